package change

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/bus"
	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
)

type changeFixture struct {
	cache      *cache.Manager
	srcDevice  model.UID
	dstDevice  model.UID
	srcRoot    model.SPIDNodePair
	dstRoot    model.SPIDNodePair
}

func localRootSN(t *testing.T, m *cache.Manager, deviceUID model.UID, path string) model.SPIDNodePair {
	t.Helper()
	n := m.BuildLocalDirNode(deviceUID, path, true, true)
	n.ParentUID = model.SuperRootUID
	_, err := m.UpsertSingleNode(n)
	require.NoError(t, err)
	return model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: deviceUID, NodeUID: n.UID(), Path: path},
		Node: n,
	}
}

func newChangeFixture(t *testing.T) *changeFixture {
	t.Helper()
	m, err := cache.NewManager(t.TempDir(), bus.New())
	require.NoError(t, err)
	t.Cleanup(m.Close)

	srcDevice, err := m.RegisterDevice(model.TreeTypeLocalDisk, "src-disk")
	require.NoError(t, err)
	dstDevice, err := m.RegisterDevice(model.TreeTypeLocalDisk, "dst-disk")
	require.NoError(t, err)

	return &changeFixture{
		cache:     m,
		srcDevice: srcDevice,
		dstDevice: dstDevice,
		srcRoot:   localRootSN(t, m, srcDevice, "/src"),
		dstRoot:   localRootSN(t, m, dstDevice, "/dst"),
	}
}

func (f *changeFixture) srcFile(t *testing.T, path, md5 string, parent model.TNode) model.SPIDNodePair {
	t.Helper()
	uid := f.cache.GetUIDForLocalPath(path, model.NullUID)
	n := model.NewLocalFileNode(model.DNUID{DeviceUID: f.srcDevice, UID: uid},
		parent.UID(), path, 10, md5, true)
	_, err := f.cache.UpsertSingleNode(n)
	require.NoError(t, err)
	return model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: f.srcDevice, NodeUID: uid, Path: path},
		Node: n,
	}
}

// S1 shape: copying /src/a/b/file1 into an empty /dst synthesizes exactly
// MKDIR /dst/a, MKDIR /dst/a/b, then the CP, with monotonic op UIDs and one
// shared batch UID.
func TestAncestorSynthesis(t *testing.T) {
	f := newChangeFixture(t)
	dirA := f.cache.BuildLocalDirNode(f.srcDevice, "/src/a", true, true)
	dirA.ParentUID = f.srcRoot.Node.UID()
	_, err := f.cache.UpsertSingleNode(dirA)
	require.NoError(t, err)
	dirB := f.cache.BuildLocalDirNode(f.srcDevice, "/src/a/b", true, true)
	dirB.ParentUID = dirA.UID()
	_, err = f.cache.UpsertSingleNode(dirB)
	require.NoError(t, err)
	file1 := f.srcFile(t, "/src/a/b/file1", "abc", dirB)

	b := NewTwoTreeBuilder(f.cache, f.srcRoot, f.dstRoot)
	require.NoError(t, b.AppendCpLeftToRight(file1))

	ops := b.OpList()
	require.Len(t, ops, 3)
	assert.Equal(t, model.OpMKDIR, ops[0].Type)
	assert.Equal(t, "/dst/a", ops[0].SrcNode.PathList()[0])
	assert.Equal(t, model.OpMKDIR, ops[1].Type)
	assert.Equal(t, "/dst/a/b", ops[1].SrcNode.PathList()[0])
	assert.Equal(t, model.OpCP, ops[2].Type)
	assert.Equal(t, "/dst/a/b/file1", ops[2].DstNode.PathList()[0])

	// Monotonic op UIDs, one shared batch.
	assert.Less(t, uint64(ops[0].OpUID), uint64(ops[1].OpUID))
	assert.Less(t, uint64(ops[1].OpUID), uint64(ops[2].OpUID))
	for _, op := range ops {
		assert.Equal(t, b.BatchUID(), op.BatchUID)
	}

	// Parent chain: file -> b -> a -> dst root.
	assert.Equal(t, []model.UID{ops[1].SrcNode.UID()}, ops[2].DstNode.ParentUIDs())
	assert.Equal(t, []model.UID{ops[0].SrcNode.UID()}, ops[1].SrcNode.ParentUIDs())
	assert.Equal(t, []model.UID{f.dstRoot.Node.UID()}, ops[0].SrcNode.ParentUIDs())

	// Planning nodes are non-live.
	assert.False(t, ops[0].SrcNode.IsLive())
	assert.False(t, ops[2].DstNode.IsLive())
}

// Ancestor synthesis completeness: an ancestor already present in the cache
// gets no MKDIR, for either of two files copied under it.
func TestAncestorSynthesisDeduplicates(t *testing.T) {
	f := newChangeFixture(t)
	dirA := f.cache.BuildLocalDirNode(f.srcDevice, "/src/a", true, true)
	dirA.ParentUID = f.srcRoot.Node.UID()
	_, err := f.cache.UpsertSingleNode(dirA)
	require.NoError(t, err)
	file1 := f.srcFile(t, "/src/a/f1", "a1", dirA)
	file2 := f.srcFile(t, "/src/a/f2", "a2", dirA)

	// /dst/a already exists on the dst side.
	existingA := f.cache.BuildLocalDirNode(f.dstDevice, "/dst/a", true, true)
	existingA.ParentUID = f.dstRoot.Node.UID()
	_, err = f.cache.UpsertSingleNode(existingA)
	require.NoError(t, err)

	b := NewTwoTreeBuilder(f.cache, f.srcRoot, f.dstRoot)
	require.NoError(t, b.AppendCpLeftToRight(file1))
	require.NoError(t, b.AppendCpLeftToRight(file2))

	ops := b.OpList()
	mkdirs := 0
	for _, op := range ops {
		if op.Type == model.OpMKDIR {
			mkdirs++
		}
	}
	assert.Zero(t, mkdirs, "no MKDIR for an ancestor already in the cache")
	require.Len(t, ops, 2)
	assert.Equal(t, []model.UID{existingA.UID()}, ops[0].DstNode.ParentUIDs())
}

func TestAncestorSynthesisSharedBetweenOps(t *testing.T) {
	f := newChangeFixture(t)
	dirA := f.cache.BuildLocalDirNode(f.srcDevice, "/src/a", true, true)
	dirA.ParentUID = f.srcRoot.Node.UID()
	_, err := f.cache.UpsertSingleNode(dirA)
	require.NoError(t, err)
	file1 := f.srcFile(t, "/src/a/f1", "a1", dirA)
	file2 := f.srcFile(t, "/src/a/f2", "a2", dirA)

	b := NewTwoTreeBuilder(f.cache, f.srcRoot, f.dstRoot)
	require.NoError(t, b.AppendCpLeftToRight(file1))
	require.NoError(t, b.AppendCpLeftToRight(file2))

	ops := b.OpList()
	require.Len(t, ops, 3, "one MKDIR serves both copies")
	assert.Equal(t, model.OpMKDIR, ops[0].Type)
	sharedParent := ops[0].SrcNode.UID()
	assert.Equal(t, []model.UID{sharedParent}, ops[1].DstNode.ParentUIDs())
	assert.Equal(t, []model.UID{sharedParent}, ops[2].DstNode.ParentUIDs())
}

func TestGDriveDstCollisionRules(t *testing.T) {
	m, err := cache.NewManager(t.TempDir(), bus.New())
	require.NoError(t, err)
	t.Cleanup(m.Close)

	srcDevice, err := m.RegisterDevice(model.TreeTypeLocalDisk, "src-disk")
	require.NoError(t, err)
	gdDevice, err := m.RegisterDevice(model.TreeTypeGDrive, "acct")
	require.NoError(t, err)

	srcRoot := localRootSN(t, m, srcDevice, "/src")
	gdRootNode := model.NewGDriveFolderNode(
		model.DNUID{DeviceUID: gdDevice, UID: m.NextUID()}, "googRoot", "My Drive",
		[]model.UID{model.SuperRootUID}, true)
	gdRootNode.SetPathList([]string{"/gd"})
	_, err = m.UpsertSingleNode(gdRootNode)
	require.NoError(t, err)
	gdRoot := model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: gdDevice, NodeUID: gdRootNode.UID(), Path: "/gd"},
		Node: gdRootNode,
	}

	srcUID := m.GetUIDForLocalPath("/src/f", model.NullUID)
	srcNode := model.NewLocalFileNode(model.DNUID{DeviceUID: srcDevice, UID: srcUID},
		srcRoot.Node.UID(), "/src/f", 10, "abc", true)
	_, err = m.UpsertSingleNode(srcNode)
	require.NoError(t, err)
	snSrc := model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: srcDevice, NodeUID: srcUID, Path: "/src/f"},
		Node: srcNode,
	}

	// A single existing node with the name: its UID and goog_id are adopted.
	existing := model.NewGDriveFileNode(model.DNUID{DeviceUID: gdDevice, UID: m.NextUID()},
		"googF", "f", []model.UID{gdRootNode.UID()}, 10, "old")
	existing.SetPathList([]string{"/gd/f"})
	_, err = m.UpsertSingleNode(existing)
	require.NoError(t, err)

	b := NewTwoTreeBuilder(m, srcRoot, gdRoot)
	snDst, err := b.Right.MigrateSingleNodeToThisSide(snSrc, "/gd/f", model.OpCPOnto)
	require.NoError(t, err)
	assert.Equal(t, existing.UID(), snDst.Node.UID())
	gfile, ok := snDst.Node.(*model.GDriveFileNode)
	require.True(t, ok)
	assert.Equal(t, "googF", gfile.GoogID)

	// Two distinct nodes sharing the name: refused.
	second := model.NewGDriveFileNode(model.DNUID{DeviceUID: gdDevice, UID: m.NextUID()},
		"googF2", "f", []model.UID{gdRootNode.UID()}, 99, "different")
	second.SetPathList([]string{"/gd/f"})
	_, err = m.UpsertSingleNode(second)
	require.NoError(t, err)

	b2 := NewTwoTreeBuilder(m, srcRoot, gdRoot)
	_, err = b2.Right.MigrateSingleNodeToThisSide(snSrc, "/gd/f", model.OpCPOnto)
	assert.Error(t, err, "distinct nodes sharing the dst name must refuse")
}

func TestMoveRebasesPath(t *testing.T) {
	got, err := changeBasePath("/src/a/b/file", "/src", "/dst", "")
	require.NoError(t, err)
	assert.Equal(t, "/dst/a/b/file", got)

	got, err = changeBasePath("/src/a/b/file", "/src", "/dst", "renamed")
	require.NoError(t, err)
	assert.Equal(t, "/dst/a/b/renamed", got)

	got, err = changeBasePath("/src", "/src", "/dst", "")
	require.NoError(t, err)
	assert.Equal(t, "/dst", got)
}
