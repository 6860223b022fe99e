package backend

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/change"
	"github.com/outlet-sync/outlet/internal/model"
)

func startTestBackend(t *testing.T) *Backend {
	t.Helper()
	be, err := New(Options{
		CacheDir:         t.TempDir(),
		ResumePendingOps: true,
	})
	require.NoError(t, err)
	require.NoError(t, be.Start())
	t.Cleanup(be.Shutdown)
	return be
}

func upsertLiveDir(t *testing.T, be *Backend, deviceUID model.UID, path string, parentUID model.UID) model.SPIDNodePair {
	t.Helper()
	n := be.Cache.BuildLocalDirNode(deviceUID, path, true, true)
	n.ParentUID = parentUID
	_, err := be.Cache.UpsertSingleNode(n)
	require.NoError(t, err)
	return model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: deviceUID, NodeUID: n.UID(), Path: path},
		Node: n,
	}
}

func waitForCompleted(t *testing.T, be *Backend, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		completed, err := be.Ops.Ledger().LoadAllCompletedOps()
		require.NoError(t, err)
		if len(completed) >= n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("ops never completed (want %d)", n)
}

// Local copy with synthesized ancestors, end to end: three ops execute in
// order, the file lands with the right content, and the ledger finishes with
// an empty pending set.
func TestLocalCopyWithSynthesizedAncestors(t *testing.T) {
	be := startTestBackend(t)

	srcRootPath := filepath.Join(t.TempDir(), "src")
	dstRootPath := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(filepath.Join(srcRootPath, "a", "b"), 0700))
	require.NoError(t, os.MkdirAll(dstRootPath, 0700))
	srcFilePath := filepath.Join(srcRootPath, "a", "b", "file1")
	require.NoError(t, os.WriteFile(srcFilePath, []byte("0123456789"), 0600))

	deviceUID, err := be.Cache.RegisterDevice(model.TreeTypeLocalDisk, "test-disk")
	require.NoError(t, err)

	srcRoot := upsertLiveDir(t, be, deviceUID, srcRootPath, model.SuperRootUID)
	dstRoot := upsertLiveDir(t, be, deviceUID, dstRootPath, model.SuperRootUID)
	dirA := upsertLiveDir(t, be, deviceUID, filepath.Join(srcRootPath, "a"), srcRoot.Node.UID())
	dirB := upsertLiveDir(t, be, deviceUID, filepath.Join(srcRootPath, "a", "b"), dirA.Node.UID())

	srcFile, err := be.Cache.BuildLocalFileNode(deviceUID, srcFilePath, "", true)
	require.NoError(t, err)
	srcFile.ParentUID = dirB.Node.UID()
	_, err = be.Cache.UpsertSingleNode(srcFile)
	require.NoError(t, err)
	snFile := model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: deviceUID, NodeUID: srcFile.UID(), Path: srcFilePath},
		Node: srcFile,
	}

	builder := change.NewTwoTreeBuilder(be.Cache, srcRoot, dstRoot)
	require.NoError(t, builder.AppendCpLeftToRight(snFile))
	ops := builder.OpList()
	require.Len(t, ops, 3)
	assert.Equal(t, model.OpMKDIR, ops[0].Type)
	assert.Equal(t, model.OpMKDIR, ops[1].Type)
	assert.Equal(t, model.OpCP, ops[2].Type)

	require.NoError(t, be.SubmitBatch(ops))
	waitForCompleted(t, be, 3)

	dstFilePath := filepath.Join(dstRootPath, "a", "b", "file1")
	srcMD5, err := cache.MD5ForFile(srcFilePath)
	require.NoError(t, err)
	dstMD5, err := cache.MD5ForFile(dstFilePath)
	require.NoError(t, err)
	assert.Equal(t, srcMD5, dstMD5)

	pending, err := be.Ops.Ledger().LoadAllPendingOps()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The executed nodes are now live in the cache.
	dstNode := be.Cache.GetNodeForLocalPath(deviceUID, dstFilePath)
	require.NotNil(t, dstNode)
	assert.True(t, dstNode.IsLive())
	assert.Equal(t, srcMD5, dstNode.MD5())
}

// Identical file already at dst: the command reports a no-op, which archives
// as success.
func TestLocalCopyIdenticalDstIsNoOp(t *testing.T) {
	be := startTestBackend(t)

	srcRootPath := filepath.Join(t.TempDir(), "src")
	dstRootPath := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(srcRootPath, 0700))
	require.NoError(t, os.MkdirAll(dstRootPath, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(srcRootPath, "f"), []byte("same"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dstRootPath, "f"), []byte("same"), 0600))

	deviceUID, err := be.Cache.RegisterDevice(model.TreeTypeLocalDisk, "test-disk")
	require.NoError(t, err)
	srcRoot := upsertLiveDir(t, be, deviceUID, srcRootPath, model.SuperRootUID)
	dstRoot := upsertLiveDir(t, be, deviceUID, dstRootPath, model.SuperRootUID)

	srcFile, err := be.Cache.BuildLocalFileNode(deviceUID, filepath.Join(srcRootPath, "f"), "", true)
	require.NoError(t, err)
	srcFile.ParentUID = srcRoot.Node.UID()
	_, err = be.Cache.UpsertSingleNode(srcFile)
	require.NoError(t, err)
	snFile := model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: deviceUID, NodeUID: srcFile.UID(), Path: srcFile.SinglePath()},
		Node: srcFile,
	}

	builder := change.NewTwoTreeBuilder(be.Cache, srcRoot, dstRoot)
	require.NoError(t, builder.AppendCpLeftToRight(snFile))
	require.NoError(t, be.SubmitBatch(builder.OpList()))
	waitForCompleted(t, be, 1)

	completed, err := be.Ops.Ledger().LoadAllCompletedOps()
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, model.OpCP, completed[0].Type)
}

// RM of a directory with two children: children first, dir last, all durable.
func TestRmDirectoryInversionEndToEnd(t *testing.T) {
	be := startTestBackend(t)

	rootPath := filepath.Join(t.TempDir(), "tree")
	dirPath := filepath.Join(rootPath, "dir")
	require.NoError(t, os.MkdirAll(dirPath, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dirPath, "a"), []byte("a"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dirPath, "b"), []byte("b"), 0600))

	deviceUID, err := be.Cache.RegisterDevice(model.TreeTypeLocalDisk, "test-disk")
	require.NoError(t, err)
	root := upsertLiveDir(t, be, deviceUID, rootPath, model.SuperRootUID)
	dir := upsertLiveDir(t, be, deviceUID, dirPath, root.Node.UID())

	var fileSNs []model.SPIDNodePair
	for _, name := range []string{"a", "b"} {
		f, err := be.Cache.BuildLocalFileNode(deviceUID, filepath.Join(dirPath, name), "", true)
		require.NoError(t, err)
		f.ParentUID = dir.Node.UID()
		_, err = be.Cache.UpsertSingleNode(f)
		require.NoError(t, err)
		fileSNs = append(fileSNs, model.SPIDNodePair{
			SPID: model.SPID{DeviceUID: deviceUID, NodeUID: f.UID(), Path: f.SinglePath()},
			Node: f,
		})
	}

	builder := change.NewTwoTreeBuilder(be.Cache, root, root)
	builder.AppendRmLeft(fileSNs[0])
	builder.AppendRmLeft(fileSNs[1])
	builder.AppendRmLeft(dir)
	require.NoError(t, be.SubmitBatch(builder.Left.Tree().OpList()))
	waitForCompleted(t, be, 3)

	_, err = os.Stat(dirPath)
	assert.True(t, os.IsNotExist(err), "the directory and its children are gone")
}
