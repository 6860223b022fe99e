package op

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/bus"
	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
	"github.com/outlet-sync/outlet/internal/task"
)

type managerFixture struct {
	bus       *bus.Bus
	cache     *cache.Manager
	runner    *task.Runner
	manager   *Manager
	deviceUID model.UID
	root      *model.LocalDirNode
	opDBPath  string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	cacheDir := t.TempDir()
	b := bus.New()
	m, err := cache.NewManager(cacheDir, b)
	require.NoError(t, err)
	deviceUID, err := m.RegisterDevice(model.TreeTypeLocalDisk, "disk1")
	require.NoError(t, err)

	root := model.NewLocalDirNode(
		model.DNUID{DeviceUID: deviceUID, UID: m.GetUIDForLocalPath("/stuff", model.NullUID)},
		model.SuperRootUID, "/stuff", true, true)
	_, err = m.UpsertSingleNode(root)
	require.NoError(t, err)

	runner := task.NewRunner()
	runner.Start()
	opDBPath := filepath.Join(cacheDir, "ops.db")
	mgr, err := NewManager(m, b, runner, opDBPath)
	require.NoError(t, err)
	mgr.MarkBatchesLoaded()

	t.Cleanup(func() {
		mgr.Shutdown()
		runner.Shutdown()
		m.Close()
	})
	return &managerFixture{
		bus: b, cache: m, runner: runner, manager: mgr,
		deviceUID: deviceUID, root: root, opDBPath: opDBPath,
	}
}

func (f *managerFixture) waitForPendingOps(t *testing.T, mgr *Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.PendingOpCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("op graph never reached %d pending ops (have %d)", n, mgr.PendingOpCount())
}

// s1Batch builds [MKDIR /stuff/a, MKDIR /stuff/a/b, CP /src -> /stuff/a/b/f]
// with monotonic op UIDs, the way the change-tree builder would emit it.
func (f *managerFixture) s1Batch(t *testing.T, batchUID model.UID) []*model.UserOp {
	t.Helper()
	src := model.NewLocalFileNode(
		model.DNUID{DeviceUID: f.deviceUID, UID: f.cache.GetUIDForLocalPath("/src/f", model.NullUID)},
		model.SuperRootUID, "/src/f", 10, "abc", true)
	_, err := f.cache.UpsertSingleNode(src)
	require.NoError(t, err)

	dirA := f.cache.BuildLocalDirNode(f.deviceUID, "/stuff/a", false, true)
	dirA.ParentUID = f.root.UID()
	dirB := f.cache.BuildLocalDirNode(f.deviceUID, "/stuff/a/b", false, true)
	dirB.ParentUID = dirA.UID()
	dst := model.NewLocalFileNode(
		model.DNUID{DeviceUID: f.deviceUID, UID: f.cache.GetUIDForLocalPath("/stuff/a/b/f", model.NullUID)},
		dirB.UID(), "/stuff/a/b/f", 10, "abc", false)

	base := f.cache.NextUID()
	return []*model.UserOp{
		model.NewUserOp(base+1, batchUID, model.OpMKDIR, dirA, nil),
		model.NewUserOp(base+2, batchUID, model.OpMKDIR, dirB, nil),
		model.NewUserOp(base+3, batchUID, model.OpCP, src, dst),
	}
}

func TestAppendBatchInsertsPlanningNodes(t *testing.T) {
	f := newManagerFixture(t)
	ops := f.s1Batch(t, 5)
	require.NoError(t, f.manager.AppendNewPendingOpBatch(ops))
	f.waitForPendingOps(t, f.manager, 3)

	// Planning nodes become visible in the cache (upserted just after the
	// graph merge), non-live.
	var dirA, dst model.TNode
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		dirA = f.cache.GetNodeForUID(f.deviceUID, ops[0].SrcNode.UID())
		dst = f.cache.GetNodeForUID(f.deviceUID, ops[2].DstNode.UID())
		if dirA != nil && dst != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, dirA)
	assert.False(t, dirA.IsLive())
	require.NotNil(t, dst)
	assert.False(t, dst.IsLive())

	// The ledger holds all three, in order.
	pending, err := f.manager.Ledger().LoadAllPendingOps()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, model.OpMKDIR, pending[0].Type)
	assert.Equal(t, model.OpMKDIR, pending[1].Type)
	assert.Equal(t, model.OpCP, pending[2].Type)

	// The first ready op is the outermost MKDIR.
	next := f.manager.GetNextOpNowait()
	require.NotNil(t, next)
	assert.Equal(t, ops[0].OpUID, next.OpUID)
}

// Batch atomicity of validation: a rejected batch persists nothing.
func TestFailedValidationPersistsNothing(t *testing.T) {
	f := newManagerFixture(t)
	sub := f.bus.Subscribe("test")

	x := f.cache.BuildLocalDirNode(f.deviceUID, "/stuff/x", false, true)
	x.ParentUID = f.root.UID()
	_, err := f.cache.UpsertSingleNode(x)
	require.NoError(t, err)
	y := model.NewLocalFileNode(
		model.DNUID{DeviceUID: f.deviceUID, UID: f.cache.GetUIDForLocalPath("/stuff/x/y", model.NullUID)},
		x.UID(), "/stuff/x/y", 1, "aa", true)
	_, err = f.cache.UpsertSingleNode(y)
	require.NoError(t, err)

	base := f.cache.NextUID()
	batch := []*model.UserOp{
		model.NewUserOp(base+1, 6, model.OpMKDIR, x, nil),
		model.NewUserOp(base+2, 6, model.OpRM, y, nil),
	}
	err = f.manager.AppendNewPendingOpBatch(batch)
	require.Error(t, err)

	count, err := f.manager.Ledger().PendingOpCount()
	require.NoError(t, err)
	assert.Zero(t, count, "no pending_op row may be persisted for a rejected batch")

	// Cache upserts above also emitted signals; find the batch failure.
	var failure *bus.Event
	for {
		ev, ok := sub.TryNext()
		if !ok {
			break
		}
		if ev.Signal == bus.BatchFailed {
			failure = &ev
			break
		}
	}
	require.NotNil(t, failure)
	assert.Equal(t, model.UID(6), failure.BatchUID)
}

// S4, first half: ops survive a simulated crash and replay in order.
func TestCrashRecoveryReplaysPendingOps(t *testing.T) {
	f := newManagerFixture(t)
	ops := f.s1Batch(t, 5)
	require.NoError(t, f.manager.AppendNewPendingOpBatch(ops))
	f.waitForPendingOps(t, f.manager, 3)

	// Simulate executing the first op to completion before the crash.
	first := f.manager.GetNextOp()
	require.Equal(t, ops[0].OpUID, first.OpUID)
	first.SetStatus(model.OpCompletedOK)
	require.NoError(t, f.manager.FinishOp(first))

	// "Crash": discard the graph, keep the ledger.
	f.manager.Shutdown()

	mgr2, err := NewManager(f.cache, f.bus, f.runner, f.opDBPath)
	require.NoError(t, err)
	defer mgr2.Shutdown()
	require.NoError(t, mgr2.ResumePendingOpsFromDisk())
	f.waitForPendingOps(t, mgr2, 2)

	// Remaining ops come back in original order.
	next := mgr2.GetNextOpNowait()
	require.NotNil(t, next)
	assert.Equal(t, ops[1].OpUID, next.OpUID)
	assert.Equal(t, model.OpMKDIR, next.Type)
	next.SetStatus(model.OpCompletedOK)
	require.NoError(t, mgr2.FinishOp(next))

	next = mgr2.GetNextOpNowait()
	require.NotNil(t, next)
	assert.Equal(t, ops[2].OpUID, next.OpUID)
	assert.Equal(t, model.OpCP, next.Type)
	next.SetStatus(model.OpCompletedOK)
	require.NoError(t, mgr2.FinishOp(next))

	completed, err := mgr2.Ledger().LoadAllCompletedOps()
	require.NoError(t, err)
	assert.Len(t, completed, 3)
	pending, err := mgr2.Ledger().LoadAllPendingOps()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailOpLeavesOpPending(t *testing.T) {
	f := newManagerFixture(t)
	ops := f.s1Batch(t, 5)
	require.NoError(t, f.manager.AppendNewPendingOpBatch(ops))
	f.waitForPendingOps(t, f.manager, 3)

	first := f.manager.GetNextOp()
	require.Equal(t, ops[0].OpUID, first.OpUID)
	f.manager.FailOp(first, "disk on fire")

	// Still pending on disk for user resolution; downstream blocked.
	count, err := f.manager.Ledger().PendingOpCount()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, model.OpStoppedOnError, first.Status())
	assert.Equal(t, model.OpBlockedByError, ops[1].Status())
	assert.Nil(t, f.manager.GetNextOpNowait(),
		"everything downstream of the failure is blocked")
}
