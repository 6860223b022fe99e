package gdrive

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/bus"
	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
)

// TreeLoader walks a Drive subtree breadth-first and mirrors it into the node
// cache, marking each folder's child list authoritative as it goes.
type TreeLoader struct {
	client    *Client
	cache     *cache.Manager
	bus       *bus.Bus
	deviceUID model.UID
}

// NewTreeLoader builds a loader for one Drive device.
func NewTreeLoader(client *Client, c *cache.Manager, b *bus.Bus, deviceUID model.UID) *TreeLoader {
	return &TreeLoader{client: client, cache: c, bus: b, deviceUID: deviceUID}
}

// LoadRoot fetches the account root and returns its cached node, creating it
// on first sight.
func (l *TreeLoader) LoadRoot(rootPath string) (model.TNode, error) {
	rootGoogID, err := l.client.RootGoogID()
	if err != nil {
		return nil, err
	}
	if existing := l.cache.GetNodeForGoogID(l.deviceUID, rootGoogID); existing != nil {
		return existing, nil
	}
	uid, err := l.cache.GetUIDForGoogID(l.deviceUID, rootGoogID, model.NullUID)
	if err != nil {
		return nil, err
	}
	root := model.NewGDriveFolderNode(
		model.DNUID{DeviceUID: l.deviceUID, UID: uid}, rootGoogID, "My Drive",
		[]model.UID{model.SuperRootUID}, false)
	root.SetPathList([]string{rootPath})
	root.SyncTS = time.Now().Unix()
	return l.cache.UpsertSingleNode(root)
}

// LoadSubtree fetches every descendant of the given cached folder, refreshing
// each folder's child list in the cache. Paths are derived top-down from the
// parent's path list.
func (l *TreeLoader) LoadSubtree(ctx context.Context, root model.TNode) error {
	start := time.Now()
	folders := 0
	files := 0

	queue := []model.TNode{root}
	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]
		googID := googIDOfFolder(folder)
		if googID == "" {
			log.Warn().Stringer("node", folder.Identifier()).
				Msg("Skipping folder with no goog_id during subtree load.")
			continue
		}

		raw, err := l.client.ListChildren(ctx, googID)
		if err != nil {
			return err
		}
		children := make([]model.TNode, 0, len(raw))
		for _, f := range raw {
			child, err := BuildNode(l.cache, l.deviceUID, f, model.NullUID)
			if err != nil {
				return err
			}
			derivePathsFromParent(child, folder)
			children = append(children, child)
			if child.IsDir() {
				folders++
				queue = append(queue, child)
			} else {
				files++
			}
		}

		refreshed := markAllChildrenFetched(folder)
		if err := l.cache.RefreshFolder(refreshed, children); err != nil {
			return err
		}
	}

	log.Info().Int("folders", folders).Int("files", files).
		Dur("elapsed", time.Since(start)).
		Stringer("root", root.Identifier()).Msg("Drive subtree loaded.")
	l.bus.Publish(bus.Event{
		Signal:    bus.LoadSubtreeDone,
		Sender:    "gdrive_tree_loader",
		Node:      root,
		DeviceUID: l.deviceUID,
		NodeUID:   root.UID(),
	})
	return nil
}

func googIDOfFolder(n model.TNode) string {
	if folder, ok := n.(*model.GDriveFolderNode); ok {
		return folder.GoogID
	}
	return ""
}

func derivePathsFromParent(child, parent model.TNode) {
	parentPaths := parent.PathList()
	if len(parentPaths) == 0 {
		return
	}
	paths := make([]string, 0, len(parentPaths))
	for _, p := range parentPaths {
		paths = append(paths, p+"/"+child.Name())
	}
	child.SetPathList(paths)
}

func markAllChildrenFetched(folder model.TNode) model.TNode {
	if f, ok := folder.(*model.GDriveFolderNode); ok {
		c := f.Clone().(*model.GDriveFolderNode)
		c.AllChildrenFetched = true
		return c
	}
	return folder
}
