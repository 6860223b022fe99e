package op

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/bus"
	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
)

type builderFixture struct {
	cache     *cache.Manager
	builder   *BatchGraphBuilder
	deviceUID model.UID
	root      *model.LocalDirNode
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()
	m, err := cache.NewManager(t.TempDir(), bus.New())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	deviceUID, err := m.RegisterDevice(model.TreeTypeLocalDisk, "disk1")
	require.NoError(t, err)

	root := model.NewLocalDirNode(
		model.DNUID{DeviceUID: deviceUID, UID: m.GetUIDForLocalPath("/stuff", model.NullUID)},
		model.SuperRootUID, "/stuff", true, true)
	_, err = m.UpsertSingleNode(root)
	require.NoError(t, err)

	return &builderFixture{
		cache:     m,
		builder:   NewBatchGraphBuilder(m),
		deviceUID: deviceUID,
		root:      root,
	}
}

// dir registers and caches a live dir under the given parent.
func (f *builderFixture) dir(t *testing.T, parent model.TNode, path string) *model.LocalDirNode {
	t.Helper()
	n := f.cache.BuildLocalDirNode(f.deviceUID, path, true, true)
	n.ParentUID = parent.UID()
	_, err := f.cache.UpsertSingleNode(n)
	require.NoError(t, err)
	return n
}

func (f *builderFixture) file(t *testing.T, parent model.TNode, path, md5 string) *model.LocalFileNode {
	t.Helper()
	uid := f.cache.GetUIDForLocalPath(path, model.NullUID)
	n := model.NewLocalFileNode(model.DNUID{DeviceUID: f.deviceUID, UID: uid}, parent.UID(), path, 10, md5, true)
	_, err := f.cache.UpsertSingleNode(n)
	require.NoError(t, err)
	return n
}

// S2: MKDIR /x plus RM /x/y in one batch must be rejected, atomically.
func TestBatchConflictCreateAndRemoveDescendant(t *testing.T) {
	f := newBuilderFixture(t)

	// x is a planning dir (being created by this batch); y is cached below it.
	x := f.cache.BuildLocalDirNode(f.deviceUID, "/stuff/x", false, true)
	x.ParentUID = f.root.UID()
	_, err := f.cache.UpsertSingleNode(x)
	require.NoError(t, err)
	y := f.file(t, x, "/stuff/x/y", "aa")

	batch := &model.Batch{BatchUID: 7, OpList: []*model.UserOp{
		{OpUID: 101, BatchUID: 7, Type: model.OpMKDIR, SrcNode: x},
		{OpUID: 102, BatchUID: 7, Type: model.OpRM, SrcNode: y},
	}}
	_, err = f.builder.ReduceAndValidate(batch)
	require.Error(t, err)
	var conflict *BatchConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestBatchMixedBatchUIDsRejected(t *testing.T) {
	f := newBuilderFixture(t)
	a := f.file(t, f.root, "/stuff/a", "aa")
	batch := &model.Batch{BatchUID: 7, OpList: []*model.UserOp{
		{OpUID: 101, BatchUID: 7, Type: model.OpRM, SrcNode: a},
		{OpUID: 102, BatchUID: 8, Type: model.OpRM, SrcNode: a},
	}}
	_, err := f.builder.ReduceAndValidate(batch)
	var invalid *InvalidBatchError
	assert.ErrorAs(t, err, &invalid)
}

func TestReduceDeduplicates(t *testing.T) {
	f := newBuilderFixture(t)
	a := f.file(t, f.root, "/stuff/a", "aa")
	newDir := f.cache.BuildLocalDirNode(f.deviceUID, "/stuff/new", false, true)
	newDir.ParentUID = f.root.UID()

	dst := model.NewLocalFileNode(
		model.DNUID{DeviceUID: f.deviceUID, UID: f.cache.GetUIDForLocalPath("/stuff/new/a", model.NullUID)},
		newDir.UID(), "/stuff/new/a", 10, "aa", false)

	batch := &model.Batch{BatchUID: 7, OpList: []*model.UserOp{
		{OpUID: 101, BatchUID: 7, Type: model.OpMKDIR, SrcNode: newDir},
		{OpUID: 102, BatchUID: 7, Type: model.OpMKDIR, SrcNode: newDir},
		{OpUID: 103, BatchUID: 7, Type: model.OpCP, SrcNode: a, DstNode: dst},
		{OpUID: 104, BatchUID: 7, Type: model.OpCP, SrcNode: a, DstNode: dst},
	}}
	reduced, err := f.builder.ReduceAndValidate(batch)
	require.NoError(t, err)
	require.Len(t, reduced, 2)
	assert.Equal(t, model.UID(101), reduced[0].OpUID)
	assert.Equal(t, model.UID(103), reduced[1].OpUID)

	// Reduction is idempotent.
	again, err := f.builder.ReduceAndValidate(&model.Batch{BatchUID: 7, OpList: reduced})
	require.NoError(t, err)
	assert.Equal(t, reduced, again)
}

// START_DIR_CP and FINISH_DIR_CP target the same dst dir; they are equivalent
// for conflict purposes but both must survive reduction.
func TestReduceKeepsStartAndFinishDirPair(t *testing.T) {
	f := newBuilderFixture(t)
	srcDir := f.dir(t, f.root, "/stuff/d")
	dstDir := f.cache.BuildLocalDirNode(f.deviceUID, "/stuff/d2", false, true)
	dstDir.ParentUID = f.root.UID()

	batch := &model.Batch{BatchUID: 7, OpList: []*model.UserOp{
		{OpUID: 101, BatchUID: 7, Type: model.OpStartDirCP, SrcNode: srcDir, DstNode: dstDir},
		{OpUID: 102, BatchUID: 7, Type: model.OpFinishDirCP, SrcNode: srcDir, DstNode: dstDir},
	}}
	reduced, err := f.builder.ReduceAndValidate(batch)
	require.NoError(t, err)
	assert.Len(t, reduced, 2)

	// A genuinely different op type on the same dst still conflicts.
	batch.OpList = append(batch.OpList,
		&model.UserOp{OpUID: 103, BatchUID: 7, Type: model.OpMV, SrcNode: srcDir, DstNode: dstDir})
	_, err = f.builder.ReduceAndValidate(batch)
	var conflict *BatchConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestReduceRejectsDifferentSrcSameDst(t *testing.T) {
	f := newBuilderFixture(t)
	a := f.file(t, f.root, "/stuff/a", "aa")
	b := f.file(t, f.root, "/stuff/b", "bb")
	dst := model.NewLocalFileNode(
		model.DNUID{DeviceUID: f.deviceUID, UID: f.cache.GetUIDForLocalPath("/stuff/dst", model.NullUID)},
		f.root.UID(), "/stuff/dst", 10, "aa", false)

	batch := &model.Batch{BatchUID: 7, OpList: []*model.UserOp{
		{OpUID: 101, BatchUID: 7, Type: model.OpCP, SrcNode: a, DstNode: dst},
		{OpUID: 102, BatchUID: 7, Type: model.OpCP, SrcNode: b, DstNode: dst},
	}}
	_, err := f.builder.ReduceAndValidate(batch)
	var conflict *BatchConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestBuildBatchGraphLinksMkdirBeforeChild(t *testing.T) {
	f := newBuilderFixture(t)
	src := f.file(t, f.root, "/stuff/src", "aa")

	newDir := f.cache.BuildLocalDirNode(f.deviceUID, "/stuff/new", false, true)
	newDir.ParentUID = f.root.UID()
	dst := model.NewLocalFileNode(
		model.DNUID{DeviceUID: f.deviceUID, UID: f.cache.GetUIDForLocalPath("/stuff/new/src", model.NullUID)},
		newDir.UID(), "/stuff/new/src", 10, "aa", false)

	ops := []*model.UserOp{
		{OpUID: 101, BatchUID: 7, Type: model.OpMKDIR, SrcNode: newDir},
		{OpUID: 102, BatchUID: 7, Type: model.OpCP, SrcNode: src, DstNode: dst},
	}
	graph, err := f.builder.BuildBatchGraph(ops, nil)
	require.NoError(t, err)

	// The MKDIR's OGN must be a parent of the CP's dst OGN.
	var mkdirOGN, cpDstOGN *OGNode
	for _, ogn := range skipRoot(graph.Root().SubgraphBFSList()) {
		if ogn.Op.OpUID == 101 {
			mkdirOGN = ogn
		}
		if ogn.Op.OpUID == 102 && ogn.IsDst() {
			cpDstOGN = ogn
		}
	}
	require.NotNil(t, mkdirOGN)
	require.NotNil(t, cpDstOGN)
	parentUIDs := []model.UID{}
	for _, p := range cpDstOGN.Parents() {
		parentUIDs = append(parentUIDs, p.NodeUID)
	}
	assert.Contains(t, parentUIDs, mkdirOGN.NodeUID)
}

func TestBuildBatchGraphRejectsMissingParent(t *testing.T) {
	f := newBuilderFixture(t)
	src := f.file(t, f.root, "/stuff/src", "aa")

	// dst's parent is neither cached nor created by the batch.
	orphanParentUID := f.cache.NextUID()
	dst := model.NewLocalFileNode(
		model.DNUID{DeviceUID: f.deviceUID, UID: f.cache.NextUID()},
		orphanParentUID, "/elsewhere/dst", 10, "aa", false)

	ops := []*model.UserOp{
		{OpUID: 101, BatchUID: 7, Type: model.OpCP, SrcNode: src, DstNode: dst},
	}
	_, err := f.builder.BuildBatchGraph(ops, nil)
	var missing *MissingAncestorError
	assert.ErrorAs(t, err, &missing)
}

func TestBuildBatchGraphReplayGuard(t *testing.T) {
	f := newBuilderFixture(t)
	a := f.file(t, f.root, "/stuff/a", "aa")

	mainGraph := NewOpGraph("main")
	oldOp := model.NewUserOp(500, 1, model.OpRM, f.file(t, f.root, "/stuff/old", "cc"), nil)
	require.True(t, mainGraph.EnqueueSingleOGN(NewSrcNode(f.cache.NextUID(), oldOp,
		[]model.UID{f.root.UID(), model.SuperRootUID})))

	ops := []*model.UserOp{
		{OpUID: 400, BatchUID: 7, Type: model.OpRM, SrcNode: a},
	}
	_, err := f.builder.BuildBatchGraph(ops, mainGraph)
	var invalid *InvalidBatchError
	assert.ErrorAs(t, err, &invalid)
}

func TestBuildBatchGraphRejectsReadOfPendingRm(t *testing.T) {
	f := newBuilderFixture(t)
	a := f.file(t, f.root, "/stuff/a", "aa")
	dst := model.NewLocalFileNode(
		model.DNUID{DeviceUID: f.deviceUID, UID: f.cache.GetUIDForLocalPath("/stuff/b", model.NullUID)},
		f.root.UID(), "/stuff/b", 10, "aa", false)

	mainGraph := NewOpGraph("main")
	rmOp := model.NewUserOp(100, 1, model.OpRM, a, nil)
	require.True(t, mainGraph.EnqueueSingleOGN(NewSrcNode(f.cache.NextUID(), rmOp,
		[]model.UID{f.root.UID(), model.SuperRootUID})))

	ops := []*model.UserOp{
		{OpUID: 200, BatchUID: 7, Type: model.OpCP, SrcNode: a, DstNode: dst},
	}
	_, err := f.builder.BuildBatchGraph(ops, mainGraph)
	var conflict *BatchConflictError
	assert.ErrorAs(t, err, &conflict)
}
