package change

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/bus"
	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	}
}

func TestContentFirstDiff(t *testing.T) {
	m, err := cache.NewManager(t.TempDir(), bus.New())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	deviceUID, err := m.RegisterDevice(model.TreeTypeLocalDisk, "disk1")
	require.NoError(t, err)

	leftPath := filepath.Join(t.TempDir(), "left")
	rightPath := filepath.Join(t.TempDir(), "right")
	writeTree(t, leftPath, map[string]string{
		"same.txt":      "hello",
		"moved_old.txt": "moved content",
		"newleft.txt":   "left only",
		"upd.txt":       "version one",
	})
	writeTree(t, rightPath, map[string]string{
		"same.txt":          "hello",
		"sub/moved_new.txt": "moved content",
		"upd.txt":           "version two",
	})

	leftRootNode, err := m.ScanLocalSubtree(deviceUID, leftPath, true)
	require.NoError(t, err)
	rightRootNode, err := m.ScanLocalSubtree(deviceUID, rightPath, true)
	require.NoError(t, err)

	leftRoot := model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: deviceUID, NodeUID: leftRootNode.UID(), Path: leftPath},
		Node: leftRootNode,
	}
	rightRoot := model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: deviceUID, NodeUID: rightRootNode.UID(), Path: rightPath},
		Node: rightRootNode,
	}

	d := NewContentFirstDiff(m, leftRoot, rightRoot)
	require.NoError(t, d.Diff())

	byType := func(ops []*model.UserOp) map[model.OpType]int {
		out := map[model.OpType]int{}
		for _, op := range ops {
			out[op.Type]++
		}
		return out
	}

	rightOps := d.Builder().Right.Tree().OpList()
	rightCounts := byType(rightOps)
	assert.Equal(t, 1, rightCounts[model.OpMV], "same content at a different path is a move")
	assert.Equal(t, 1, rightCounts[model.OpCPOnto], "same path, different content is an update")
	assert.Equal(t, 1, rightCounts[model.OpCP], "left-only content is an add on the right")

	leftOps := d.Builder().Left.Tree().OpList()
	leftCounts := byType(leftOps)
	assert.Equal(t, 1, leftCounts[model.OpMV])
	assert.Equal(t, 1, leftCounts[model.OpCPOnto])
	assert.Zero(t, leftCounts[model.OpCP], "nothing exists only on the right")

	// The move on the right rebases to the left's relative path.
	for _, op := range rightOps {
		if op.Type == model.OpMV {
			assert.Equal(t, filepath.Join(rightPath, "moved_old.txt"), op.DstNode.PathList()[0])
			assert.Equal(t, filepath.Join(rightPath, "sub", "moved_new.txt"), op.SrcNode.PathList()[0])
		}
	}

	// In-sync content produced no op at all.
	for _, op := range append(rightOps, leftOps...) {
		if op.HasDst() {
			assert.NotContains(t, op.DstNode.PathList()[0], "same.txt")
		}
	}
}

func TestScanLocalSubtree(t *testing.T) {
	m, err := cache.NewManager(t.TempDir(), bus.New())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	deviceUID, err := m.RegisterDevice(model.TreeTypeLocalDisk, "disk1")
	require.NoError(t, err)

	root := filepath.Join(t.TempDir(), "tree")
	writeTree(t, root, map[string]string{
		"a/one.txt":   "1",
		"a/b/two.txt": "22",
		"three.txt":   "333",
	})

	rootNode, err := m.ScanLocalSubtree(deviceUID, root, true)
	require.NoError(t, err)

	files := m.FilesForSubtree(rootNode)
	assert.Len(t, files, 3)
	for _, f := range files {
		assert.True(t, f.IsLive())
		assert.NotEmpty(t, f.MD5())
	}

	one := m.GetNodeForLocalPath(deviceUID, filepath.Join(root, "a", "one.txt"))
	require.NotNil(t, one)
	dirA := m.GetNodeForLocalPath(deviceUID, filepath.Join(root, "a"))
	require.NotNil(t, dirA)
	assert.Equal(t, []model.UID{dirA.UID()}, one.ParentUIDs())
}
