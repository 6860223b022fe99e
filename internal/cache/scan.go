package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/model"
)

// ScanLocalSubtree walks a directory tree on disk and mirrors it into the
// device's cache: live dir nodes with all_children_fetched set, live file
// nodes with md5s when scanSignatures is requested. Returns the root dir
// node.
func (m *Manager) ScanLocalSubtree(deviceUID model.UID, rootPath string, scanSignatures bool) (*model.LocalDirNode, error) {
	rootPath = canonicalizePath(rootPath)
	start := time.Now()
	files, dirs := 0, 0

	root := model.NewLocalDirNode(
		model.DNUID{DeviceUID: deviceUID, UID: m.GetUIDForLocalPath(rootPath, model.NullUID)},
		model.SuperRootUID, rootPath, true, true)
	if _, err := m.UpsertSingleNode(root); err != nil {
		return nil, err
	}

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		path = canonicalizePath(path)
		if path == rootPath {
			return nil
		}
		if d.IsDir() {
			dir := m.BuildLocalDirNode(deviceUID, path, true, true)
			if _, err := m.UpsertSingleNode(dir); err != nil {
				return err
			}
			dirs++
			return nil
		}
		if !d.Type().IsRegular() {
			// Symlinks and special files are not synced.
			return nil
		}
		file, err := m.BuildLocalFileNode(deviceUID, path, "", scanSignatures)
		if err != nil {
			if os.IsNotExist(err) {
				// Deleted between listing and stat; skip.
				return nil
			}
			return err
		}
		if _, err := m.UpsertSingleNode(file); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("root", rootPath).Int("dirs", dirs).Int("files", files).
		Dur("elapsed", time.Since(start)).Msg("Local subtree scanned.")
	return root, nil
}

// FilesForSubtree returns every file node at or below the given node.
func (m *Manager) FilesForSubtree(root model.TNode) []model.TNode {
	ds, err := m.device(root.DeviceUID())
	if err != nil {
		return nil
	}
	var out []model.TNode
	for _, uid := range ds.mem.SubtreeUIDs(root.UID()) {
		if n := ds.mem.Node(uid); n != nil && n.IsFile() {
			out = append(out, n)
		}
	}
	return out
}
