package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/outlet-sync/outlet/internal/model"
)

// MD5ForFile computes the lowercase hex md5 of a file's contents.
func MD5ForFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BuildLocalFileNode stats a file on disk and builds a live node for it. When
// scanSignature is set the md5 is computed; otherwise it is left empty for the
// lazy signature scan to fill in. If stagingPath is non-empty, the signature
// is computed from the staged copy instead of the destination.
func (m *Manager) BuildLocalFileNode(deviceUID model.UID, fullPath, stagingPath string, scanSignature bool) (*model.LocalFileNode, error) {
	fullPath = canonicalizePath(fullPath)
	statPath := fullPath
	if stagingPath != "" {
		statPath = stagingPath
	}
	info, err := os.Stat(statPath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("expected a file at %q but found a directory", statPath)
	}

	uid := m.GetUIDForLocalPath(fullPath, model.NullUID)
	parentUID := m.GetUIDForLocalPath(filepath.Dir(fullPath), model.NullUID)

	n := model.NewLocalFileNode(
		model.DNUID{DeviceUID: deviceUID, UID: uid}, parentUID, fullPath, info.Size(), "", true)
	n.ModifyTS = info.ModTime().UnixMilli()
	n.ChangeTS = info.ModTime().UnixMilli()
	n.SyncTS = time.Now().Unix()

	if scanSignature {
		md5hex, err := MD5ForFile(statPath)
		if err != nil {
			return nil, err
		}
		n.MD5Hex = md5hex
	}
	return n, nil
}

// BuildLocalDirNode builds a dir node for the path. Live should reflect
// whether the directory currently exists on disk.
func (m *Manager) BuildLocalDirNode(deviceUID model.UID, fullPath string, live, allChildrenFetched bool) *model.LocalDirNode {
	fullPath = canonicalizePath(fullPath)
	uid := m.GetUIDForLocalPath(fullPath, model.NullUID)
	parentUID := m.GetUIDForLocalPath(filepath.Dir(fullPath), model.NullUID)
	return model.NewLocalDirNode(
		model.DNUID{DeviceUID: deviceUID, UID: uid}, parentUID, fullPath, live, allChildrenFetched)
}
