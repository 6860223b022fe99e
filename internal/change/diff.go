package change

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
)

// ContentFirstDiff compares two subtrees by content signature first: a file
// with the same md5 on both sides but a different relative path is treated as
// moved, not as a delete plus an add. Files that only match by path are
// updates; everything else is an add on one side and (for display) a delete
// on the other.
type ContentFirstDiff struct {
	cache   *cache.Manager
	builder *TwoTreeBuilder

	// ComparePaths additionally matches orphaned signatures by relative path,
	// producing MOVED and UPDATED pairs. Without it every unmatched signature
	// is an add.
	ComparePaths bool
}

// NewContentFirstDiff builds a differ over the two subtree roots.
func NewContentFirstDiff(c *cache.Manager, leftRoot, rightRoot model.SPIDNodePair) *ContentFirstDiff {
	return &ContentFirstDiff{
		cache:        c,
		builder:      NewTwoTreeBuilder(c, leftRoot, rightRoot),
		ComparePaths: true,
	}
}

// Builder exposes the underlying two-tree builder (op lists, change trees).
func (d *ContentFirstDiff) Builder() *TwoTreeBuilder { return d.builder }

func relPath(fullPath, rootPath string) string {
	return strings.TrimPrefix(strings.TrimPrefix(fullPath, rootPath), "/")
}

func (d *ContentFirstDiff) snFor(n model.TNode) model.SPIDNodePair {
	return model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: n.DeviceUID(), NodeUID: n.UID(), Path: n.PathList()[0]},
		Node: n,
	}
}

// movedPair is a same-signature file found at different relative paths.
type movedPair struct {
	left, right model.TNode
}

// Diff walks both subtrees and populates both change trees. The result is
// symmetrical: a file present only on the left becomes an "added" op on the
// right and a display-only "deleted" entry on the left.
func (d *ContentFirstDiff) Diff() error {
	leftRoot := d.builder.Left.rootSN()
	rightRoot := d.builder.Right.rootSN()

	leftFiles := d.cache.FilesForSubtree(leftRoot.Node)
	rightFiles := d.cache.FilesForSubtree(rightRoot.Node)
	log.Info().Int("left", len(leftFiles)).Int("right", len(rightFiles)).
		Msg("Diffing files by MD5.")

	leftByMD5 := groupByMD5(leftFiles)
	rightByMD5 := groupByMD5(rightFiles)
	md5Set := map[string]bool{}
	for md5 := range leftByMD5 {
		md5Set[md5] = true
	}
	for md5 := range rightByMD5 {
		md5Set[md5] = true
	}
	md5List := make([]string, 0, len(md5Set))
	for md5 := range md5Set {
		md5List = append(md5List, md5)
	}
	sort.Strings(md5List)

	var leftOrphans, rightOrphans []model.TNode
	var moved []movedPair

	for _, md5 := range md5List {
		lefts := leftByMD5[md5]
		rights := rightByMD5[md5]
		switch {
		case len(lefts) == 0:
			rightOrphans = append(rightOrphans, rights...)
		case len(rights) == 0:
			leftOrphans = append(leftOrphans, lefts...)
		case d.ComparePaths:
			l, r, pairs := matchPathsForSameMD5(lefts, rights, leftRoot.SPID.Path, rightRoot.SPID.Path)
			moved = append(moved, pairs...)
			leftOrphans = append(leftOrphans, l...)
			rightOrphans = append(rightOrphans, r...)
		}
		// With path comparison off, content present on both sides is simply
		// in sync, duplicates and all.
	}

	for _, pair := range moved {
		if err := d.builder.AppendMvWithinRight(d.snFor(pair.left), d.snFor(pair.right)); err != nil {
			return err
		}
		if err := d.builder.AppendMvWithinLeft(d.snFor(pair.left), d.snFor(pair.right)); err != nil {
			return err
		}
	}

	countUpdated := 0
	updatedRightPaths := map[string]bool{}
	for _, left := range leftOrphans {
		snLeft := d.snFor(left)
		if d.ComparePaths {
			dstPath, err := changeBasePath(snLeft.SPID.Path, leftRoot.SPID.Path, rightRoot.SPID.Path, "")
			if err != nil {
				return err
			}
			matches := d.cache.GetNodeListForPathList([]string{dstPath}, rightRoot.SPID.DeviceUID)
			if len(matches) == 1 && matches[0].IsFile() {
				// Same path, different signature: an update in both directions;
				// the user picks one.
				snRight := d.snFor(matches[0])
				d.builder.AppendUpLeftToRight(snLeft, snRight)
				d.builder.AppendUpRightToLeft(snLeft, snRight)
				updatedRightPaths[dstPath] = true
				countUpdated++
				continue
			}
		}
		if err := d.builder.AppendCpLeftToRight(snLeft); err != nil {
			return err
		}
		d.markDeleted(d.builder.Left, snLeft)
	}

	for _, right := range rightOrphans {
		snRight := d.snFor(right)
		if d.ComparePaths {
			if updatedRightPaths[snRight.SPID.Path] {
				// Already covered by the symmetric update above.
				continue
			}
			dstPath, err := changeBasePath(snRight.SPID.Path, rightRoot.SPID.Path, leftRoot.SPID.Path, "")
			if err != nil {
				return err
			}
			if matches := d.cache.GetNodeListForPathList([]string{dstPath}, leftRoot.SPID.DeviceUID); len(matches) == 1 && matches[0].IsFile() {
				continue
			}
		}
		if err := d.builder.AppendCpRightToLeft(snRight); err != nil {
			return err
		}
		d.markDeleted(d.builder.Right, snRight)
	}

	log.Info().Int("moved", len(moved)).Int("updated", countUpdated).
		Int("leftOnly", len(leftOrphans)).Int("rightOnly", len(rightOrphans)).
		Msg("Content-first diff complete.")
	return nil
}

func (d *ContentFirstDiff) markDeleted(side *SideBuilder, sn model.SPIDNodePair) {
	guid := side.guidFor(sn.SPID.Path, sn.SPID.DeviceUID, model.OpRM)
	side.Tree().AddEntry(guid, sn, model.CategoryDeleted)
}

func groupByMD5(files []model.TNode) map[string][]model.TNode {
	out := map[string][]model.TNode{}
	for _, f := range files {
		if f.MD5() == "" {
			// Signature not scanned yet; the lazy scan will cover it on a
			// later pass.
			continue
		}
		out[f.MD5()] = append(out[f.MD5()], f)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].UID() < list[j].UID() })
	}
	return out
}

// matchPathsForSameMD5 drops exact relative-path matches (in sync), pairs the
// remainder arbitrarily as moves, and returns the unpaired leftovers.
func matchPathsForSameMD5(lefts, rights []model.TNode, leftRootPath, rightRootPath string) (
	leftOver, rightOver []model.TNode, moved []movedPair) {

	leftByRel := map[string]model.TNode{}
	var relKeys []string
	for _, l := range lefts {
		rel := relPath(l.PathList()[0], leftRootPath)
		leftByRel[rel] = l
		relKeys = append(relKeys, rel)
	}
	sort.Strings(relKeys)

	var unmatchedRights []model.TNode
	for _, r := range rights {
		rel := relPath(r.PathList()[0], rightRootPath)
		if _, ok := leftByRel[rel]; ok {
			delete(leftByRel, rel)
		} else {
			unmatchedRights = append(unmatchedRights, r)
		}
	}

	var unmatchedLefts []model.TNode
	for _, rel := range relKeys {
		if l, ok := leftByRel[rel]; ok {
			unmatchedLefts = append(unmatchedLefts, l)
		}
	}

	for len(unmatchedLefts) > 0 && len(unmatchedRights) > 0 {
		moved = append(moved, movedPair{left: unmatchedLefts[0], right: unmatchedRights[0]})
		unmatchedLefts = unmatchedLefts[1:]
		unmatchedRights = unmatchedRights[1:]
	}
	return unmatchedLefts, unmatchedRights, moved
}
