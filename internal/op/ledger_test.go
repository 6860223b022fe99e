package op

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/model"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func ledgerOps() []*model.UserOp {
	dir := model.NewLocalDirNode(model.DNUID{DeviceUID: 2, UID: 300},
		model.SuperRootUID, "/dst/a", false, true)
	src := model.NewLocalFileNode(model.DNUID{DeviceUID: 2, UID: 301},
		290, "/src/f", 10, "abc", true)
	src.ModifyTS = 1700000000000
	src.SyncTS = 1700000000
	dst := model.NewLocalFileNode(model.DNUID{DeviceUID: 2, UID: 302},
		300, "/dst/a/f", 10, "abc", false)
	gsrc := model.NewGDriveFileNode(model.DNUID{DeviceUID: 3, UID: 303},
		"goog1", "g.txt", []model.UID{50, 51}, 20, "ffff")
	gsrc.SetPathList([]string{"/gd/g.txt"})
	gdst := model.NewLocalFileNode(model.DNUID{DeviceUID: 2, UID: 304},
		300, "/dst/a/g.txt", 20, "ffff", false)

	return []*model.UserOp{
		{OpUID: 101, BatchUID: 9, Type: model.OpMKDIR, SrcNode: dir, CreateTS: 1000},
		{OpUID: 102, BatchUID: 9, Type: model.OpCP, SrcNode: src, DstNode: dst, CreateTS: 1001},
		{OpUID: 103, BatchUID: 9, Type: model.OpCP, SrcNode: gsrc, DstNode: gdst, CreateTS: 1002},
	}
}

// Pending op <-> disk round-trip: reconstituted ops carry identical node
// content without consulting any node cache.
func TestPendingOpRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ops := ledgerOps()
	require.NoError(t, l.UpsertPendingOpList(ops))

	loaded, err := l.LoadAllPendingOps()
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	for i, op := range loaded {
		assert.Equal(t, ops[i].OpUID, op.OpUID)
		assert.Equal(t, ops[i].BatchUID, op.BatchUID)
		assert.Equal(t, ops[i].Type, op.Type)
		assert.Equal(t, ops[i].CreateTS, op.CreateTS)
		assert.Equal(t, ops[i].SrcNode, op.SrcNode)
		assert.Equal(t, ops[i].DstNode, op.DstNode)
	}
}

func TestLoadAllPendingOpsSortedByBatchThenOp(t *testing.T) {
	l := newTestLedger(t)
	a := model.NewLocalFileNode(model.DNUID{DeviceUID: 2, UID: 310}, 300, "/a", 1, "aa", true)

	require.NoError(t, l.UpsertPendingOpList([]*model.UserOp{
		{OpUID: 205, BatchUID: 20, Type: model.OpRM, SrcNode: a, CreateTS: 1},
		{OpUID: 109, BatchUID: 10, Type: model.OpRM, SrcNode: a.Clone(), CreateTS: 1},
		{OpUID: 203, BatchUID: 20, Type: model.OpRM, SrcNode: a.Clone(), CreateTS: 1},
	}))
	loaded, err := l.LoadAllPendingOps()
	require.NoError(t, err)
	uids := []model.UID{}
	for _, op := range loaded {
		uids = append(uids, op.OpUID)
	}
	assert.Equal(t, []model.UID{109, 203, 205}, uids)
}

// Archive then load of the completed table yields the original op content.
func TestArchiveCompletedMovesRows(t *testing.T) {
	l := newTestLedger(t)
	ops := ledgerOps()
	require.NoError(t, l.UpsertPendingOpList(ops))
	require.NoError(t, l.ArchiveCompletedOpList(ops[:1]))

	pending, err := l.LoadAllPendingOps()
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	completed, err := l.LoadAllCompletedOps()
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, ops[0].OpUID, completed[0].OpUID)
	assert.Equal(t, ops[0].SrcNode, completed[0].SrcNode)
}

func TestDeletePendingOpList(t *testing.T) {
	l := newTestLedger(t)
	ops := ledgerOps()
	require.NoError(t, l.UpsertPendingOpList(ops))
	require.NoError(t, l.DeletePendingOpList(ops[1:2]))

	pending, err := l.LoadAllPendingOps()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, model.UID(101), pending[0].OpUID)
	assert.Equal(t, model.UID(103), pending[1].OpUID)
}

func TestCancelAllPendingOps(t *testing.T) {
	l := newTestLedger(t)
	ops := ledgerOps()
	require.NoError(t, l.UpsertPendingOpList(ops))
	require.NoError(t, l.CancelAllPendingOps())

	pending, err := l.LoadAllPendingOps()
	require.NoError(t, err)
	assert.Empty(t, pending)

	var count int
	require.NoError(t, l.db.QueryRow(
		"SELECT COUNT(*) FROM failed_op WHERE error_msg = 'cancelled'").Scan(&count))
	assert.Equal(t, 3, count)
}

func TestUpsertPendingIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ops := ledgerOps()
	require.NoError(t, l.UpsertPendingOpList(ops))
	require.NoError(t, l.UpsertPendingOpList(ops))
	count, err := l.PendingOpCount()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
