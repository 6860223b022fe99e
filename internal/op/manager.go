package op

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/bus"
	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
	"github.com/outlet-sync/outlet/internal/task"
)

const senderOpManager = "op_manager"

// Manager is the front door of the op pipeline. It validates and persists
// incoming batches, merges them into the main OpGraph, and archives ops as
// commands complete.
type Manager struct {
	cache   *cache.Manager
	bus     *bus.Bus
	ledger  *Ledger
	graph   *OpGraph
	builder *BatchGraphBuilder
	runner  *task.Runner

	mu             sync.Mutex
	pendingBatches map[model.UID]*model.Batch
	batchesLoaded  bool
}

// NewManager opens the op ledger at dbPath and wires the pipeline together.
func NewManager(c *cache.Manager, b *bus.Bus, runner *task.Runner, dbPath string) (*Manager, error) {
	ledger, err := NewLedger(dbPath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cache:          c,
		bus:            b,
		ledger:         ledger,
		graph:          NewOpGraph("MainGraph"),
		builder:        NewBatchGraphBuilder(c),
		runner:         runner,
		pendingBatches: make(map[model.UID]*model.Batch),
	}, nil
}

// Ledger exposes the durable store (used by startup and tests).
func (m *Manager) Ledger() *Ledger { return m.ledger }

// Graph exposes the main op graph.
func (m *Manager) Graph() *OpGraph { return m.graph }

// Shutdown wakes all blocked consumers and closes the ledger.
func (m *Manager) Shutdown() {
	m.graph.Shutdown()
	if err := m.ledger.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing op ledger.")
	}
}

// PendingOpCount reports the number of ops in the main graph.
func (m *Manager) PendingOpCount() int { return m.graph.Len() }

// GetLastPendingOpForNode returns the most recent pending op touching a node.
func (m *Manager) GetLastPendingOpForNode(deviceUID, uid model.UID) *model.UserOp {
	return m.graph.GetLastPendingOpForNode(deviceUID, uid)
}

// AppendNewPendingOpBatch validates, reduces, persists, and queues a batch of
// new user ops. On a validation failure nothing is persisted and BATCH_FAILED
// is published.
func (m *Manager) AppendNewPendingOpBatch(opList []*model.UserOp) error {
	if len(opList) == 0 {
		return nil
	}
	batchUID := opList[0].BatchUID
	batch := &model.Batch{BatchUID: batchUID, OpList: opList}

	reduced, err := m.builder.ReduceAndValidate(batch)
	if err != nil {
		log.Error().Err(err).Uint64("batchUID", uint64(batchUID)).Msg("Batch failed validation.")
		m.bus.Publish(bus.Event{
			Signal:   bus.BatchFailed,
			Sender:   senderOpManager,
			BatchUID: batchUID,
			Msg:      "failed to validate batch",
			Detail:   err.Error(),
		})
		return err
	}

	if err := m.ledger.UpsertPendingOpList(reduced); err != nil {
		m.bus.Publish(bus.Event{
			Signal:   bus.ErrorOccurred,
			Sender:   senderOpManager,
			BatchUID: batchUID,
			Msg:      "failed to save pending ops to disk",
			Detail:   err.Error(),
		})
		return fmt.Errorf("could not save pending ops for batch %d: %w", batchUID, err)
	}

	if err := m.enqueueBatch(&model.Batch{BatchUID: batchUID, OpList: reduced}); err != nil {
		return err
	}
	log.Debug().Uint64("batchUID", uint64(batchUID)).Int("ops", len(reduced)).
		Msg("Enqueued batch intake task.")
	return nil
}

func (m *Manager) enqueueBatch(batch *model.Batch) error {
	m.mu.Lock()
	if m.pendingBatches[batch.BatchUID] != nil {
		m.mu.Unlock()
		return invalidBatchf("a pending batch with UID %d already exists", batch.BatchUID)
	}
	m.pendingBatches[batch.BatchUID] = batch
	m.mu.Unlock()

	t := m.runner.NewTask(task.P3BackgroundCacheLoad, func(t *task.Task) {
		m.batchIntake(t, batch)
	})
	m.runner.Submit(t)
	return nil
}

// ResumePendingOpsFromDisk reloads the ledger's pending set and replays it
// through intake, skipping reduction and the disk write: the ops were already
// reduced before they were persisted.
func (m *Manager) ResumePendingOpsFromDisk() error {
	opList, err := m.ledger.LoadAllPendingOps()
	if err != nil {
		return err
	}
	defer func() {
		m.mu.Lock()
		m.batchesLoaded = true
		m.mu.Unlock()
	}()
	if len(opList) == 0 {
		log.Info().Msg("No pending ops found in the op ledger.")
		return nil
	}

	byBatch := map[model.UID][]*model.UserOp{}
	for _, op := range opList {
		byBatch[op.BatchUID] = append(byBatch[op.BatchUID], op)
	}
	batchUIDs := make([]model.UID, 0, len(byBatch))
	for uid := range byBatch {
		batchUIDs = append(batchUIDs, uid)
	}
	sort.Slice(batchUIDs, func(i, j int) bool { return batchUIDs[i] < batchUIDs[j] })

	log.Info().Int("ops", len(opList)).Int("batches", len(batchUIDs)).
		Msg("Resuming pending ops from disk.")
	for _, batchUID := range batchUIDs {
		ops := byBatch[batchUID]
		for _, op := range ops {
			m.cache.UIDGenerator().EnsureNextUIDGreaterThan(op.OpUID)
		}
		if err := m.enqueueBatch(&model.Batch{BatchUID: batchUID, OpList: ops}); err != nil {
			return err
		}
	}
	return nil
}

// CancelAllPendingOps archives every pending op as failed("cancelled") at
// startup instead of resuming.
func (m *Manager) CancelAllPendingOps() error {
	if err := m.ledger.CancelAllPendingOps(); err != nil {
		return err
	}
	m.mu.Lock()
	m.batchesLoaded = true
	m.mu.Unlock()
	return nil
}

// MarkBatchesLoaded unblocks batch submission when there is nothing to resume.
func (m *Manager) MarkBatchesLoaded() {
	m.mu.Lock()
	m.batchesLoaded = true
	m.mu.Unlock()
}

// batchIntake is phase one of intake: make sure the caches for every touched
// node are loaded, then continue with submission.
func (m *Manager) batchIntake(t *task.Task, batch *model.Batch) {
	sort.Slice(batch.OpList, func(i, j int) bool {
		return batch.OpList[i].OpUID < batch.OpList[j].OpUID
	})
	if err := m.cache.EnsureCacheLoadedForNodes(AllNodesInBatch(batch.OpList)); err != nil {
		log.Error().Err(err).Uint64("batchUID", uint64(batch.BatchUID)).
			Msg("Could not load caches for batch.")
		m.bus.Publish(bus.Event{
			Signal:   bus.BatchFailed,
			Sender:   senderOpManager,
			BatchUID: batch.BatchUID,
			Msg:      "failed to load caches for batch",
			Detail:   err.Error(),
		})
		return
	}
	t.AddNextTask(m.submitNextBatch)
}

// submitNextBatch drains the pending batch map in ascending batch_uid order.
func (m *Manager) submitNextBatch(t *task.Task) {
	for {
		m.mu.Lock()
		if !m.batchesLoaded || len(m.pendingBatches) == 0 {
			m.mu.Unlock()
			return
		}
		var next *model.Batch
		for _, batch := range m.pendingBatches {
			if next == nil || batch.BatchUID < next.BatchUID {
				next = batch
			}
		}
		delete(m.pendingBatches, next.BatchUID)
		m.mu.Unlock()

		m.submitBatch(next)
	}
}

func (m *Manager) submitBatch(batch *model.Batch) {
	batchGraph, err := m.builder.BuildBatchGraph(batch.OpList, m.graph)
	if err != nil {
		log.Error().Err(err).Uint64("batchUID", uint64(batch.BatchUID)).
			Msg("Failed to build batch graph.")
		m.bus.Publish(bus.Event{
			Signal:   bus.BatchFailed,
			Sender:   senderOpManager,
			BatchUID: batch.BatchUID,
			Msg:      "failed to build operation graph",
			Detail:   err.Error(),
		})
		return
	}

	inserted, discarded := m.addBatchToMainGraph(batchGraph)

	// BFS of the op graph is not BFS of the directory tree. The op UIDs were
	// assigned in tree order by the change-tree builder, so sort by those
	// before touching the cache: parent dirs must be created before children.
	sort.Slice(inserted, func(i, j int) bool { return inserted[i].OpUID < inserted[j].OpUID })
	sort.Slice(discarded, func(i, j int) bool { return discarded[i].OpUID < discarded[j].OpUID })

	if len(discarded) > 0 {
		log.Debug().Int("count", len(discarded)).Msg("Removing discarded ops from the ledger.")
		if err := m.ledger.DeletePendingOpList(discarded); err != nil {
			log.Error().Err(err).Msg("Failed to remove discarded ops from the ledger.")
		}
	}

	for _, op := range inserted {
		if err := m.upsertOpNodesInCache(op); err != nil {
			log.Error().Err(err).Stringer("op", op).
				Msg("Error while updating nodes in memory store for user op.")
			m.bus.Publish(bus.Event{
				Signal:   bus.ErrorOccurred,
				Sender:   senderOpManager,
				BatchUID: batch.BatchUID,
				OpUID:    op.OpUID,
				Msg:      "error while updating cached nodes for user ops",
				Detail:   err.Error(),
			})
			return
		}
	}
	log.Info().Uint64("batchUID", uint64(batch.BatchUID)).Int("inserted", len(inserted)).
		Int("discarded", len(discarded)).Msg("Batch added to main op graph.")
}

func (m *Manager) addBatchToMainGraph(batchGraph *OpGraph) (inserted, discarded []*model.UserOp) {
	seen := map[model.UID]bool{}
	for _, ogn := range skipRoot(batchGraph.Root().SubgraphBFSList()) {
		// Re-link the OGN into the main graph with a clean slate; its batch-
		// local edges are irrelevant there.
		fresh := &OGNode{
			NodeUID:      ogn.NodeUID,
			Kind:         ogn.Kind,
			Op:           ogn.Op,
			TgtAncestors: ogn.TgtAncestors,
			parents:      map[model.UID]*OGNode{},
			children:     map[model.UID]*OGNode{},
		}
		succeeded := m.graph.EnqueueSingleOGN(fresh)
		if seen[ogn.Op.OpUID] {
			continue
		}
		seen[ogn.Op.OpUID] = true
		if succeeded {
			inserted = append(inserted, ogn.Op)
		} else {
			discarded = append(discarded, ogn.Op)
		}
	}
	return inserted, discarded
}

// upsertOpNodesInCache records the op's src and dst nodes as planning nodes.
// The cache may fill in details (paths in particular), so the op keeps the
// returned nodes.
func (m *Manager) upsertOpNodesInCache(op *model.UserOp) error {
	srcNode, err := m.cache.UpsertSingleNode(op.SrcNode)
	if err != nil {
		return err
	}
	op.SrcNode = srcNode
	if op.HasDst() {
		dstNode, err := m.cache.UpsertSingleNode(op.DstNode)
		if err != nil {
			return err
		}
		op.DstNode = dstNode
	}
	return nil
}

// GetNextOp blocks until an op is ready, or returns nil at shutdown.
func (m *Manager) GetNextOp() *model.UserOp { return m.graph.GetNextOp() }

// GetNextOpNowait polls for a ready op.
func (m *Manager) GetNextOpNowait() *model.UserOp { return m.graph.GetNextOpNowait() }

// FinishOp archives a completed op and pops it from the graph, unblocking its
// dependents.
func (m *Manager) FinishOp(op *model.UserOp) error {
	log.Debug().Stringer("op", op).Msg("Archiving completed op.")
	if err := m.ledger.ArchiveCompletedOpList([]*model.UserOp{op}); err != nil {
		return err
	}
	m.graph.PopOp(op)
	m.bus.Publish(bus.Event{
		Signal:   bus.CommandComplete,
		Sender:   senderOpManager,
		BatchUID: op.BatchUID,
		OpUID:    op.OpUID,
	})
	return nil
}

// FailOpArchived records a cache-consistency failure: the op is archived as
// failed (it cannot succeed on retry) and its downstream OGNs are blocked.
func (m *Manager) FailOpArchived(op *model.UserOp, errMsg string) error {
	op.SetError(errMsg)
	m.graph.MarkFailed(op)
	m.bus.Publish(bus.Event{
		Signal:   bus.ErrorOccurred,
		Sender:   senderOpManager,
		BatchUID: op.BatchUID,
		OpUID:    op.OpUID,
		Msg:      "command failed on inconsistent cache state",
		Detail:   errMsg,
	})
	return m.ledger.ArchiveFailedOpList([]*model.UserOp{op}, errMsg)
}

// FailOp records a backend-operational failure: the op stays pending in the
// ledger for user resolution, its downstream OGNs are blocked, and unrelated
// ops keep draining.
func (m *Manager) FailOp(op *model.UserOp, errMsg string) {
	op.SetError(errMsg)
	m.graph.MarkFailed(op)
	m.bus.Publish(bus.Event{
		Signal:   bus.ErrorOccurred,
		Sender:   senderOpManager,
		BatchUID: op.BatchUID,
		OpUID:    op.OpUID,
		Msg:      "command failed",
		Detail:   errMsg,
	})
}
