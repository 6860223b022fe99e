package exec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/bus"
	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/gdrive"
	"github.com/outlet-sync/outlet/internal/model"
	"github.com/outlet-sync/outlet/internal/op"
)

const senderExecutor = "executor"

// Executor drains the op graph: it pops ready ops, runs their commands, and
// feeds results back into the cache and the ledger. An op failure never stops
// the loop; downstream ops are blocked and unrelated ops keep draining.
type Executor struct {
	ops     *op.Manager
	cache   *cache.Manager
	bus     *bus.Bus
	gdrive  *gdrive.Client
	builder *CommandBuilder
	staging *Staging

	playMu   sync.Mutex
	playCond *sync.Cond
	playing  bool
	stopped  bool

	sub *bus.Subscriber
	wg  sync.WaitGroup
}

// NewExecutor wires the executor. gdriveClient may be nil when no Drive
// device is configured; commands needing it then fail their ops.
func NewExecutor(ops *op.Manager, c *cache.Manager, b *bus.Bus, gdriveClient *gdrive.Client,
	staging *Staging, useTrash bool) *Executor {
	e := &Executor{
		ops:     ops,
		cache:   c,
		bus:     b,
		gdrive:  gdriveClient,
		builder: NewCommandBuilder(c, useTrash),
		staging: staging,
		playing: true,
	}
	e.playCond = sync.NewCond(&e.playMu)
	return e
}

// Start launches the executor loop and the play-state listener.
func (e *Executor) Start() {
	e.sub = e.bus.Subscribe(senderExecutor)
	e.wg.Add(2)
	go e.signalLoop()
	go e.runLoop()
}

// Stop halts the loop after the in-flight command completes. In-flight
// commands run to completion; their results are still ingested.
func (e *Executor) Stop() {
	e.playMu.Lock()
	e.stopped = true
	e.playMu.Unlock()
	e.playCond.Broadcast()
	e.bus.Unsubscribe(e.sub)
	e.wg.Wait()
}

// SetPlaying pauses or resumes execution of new ops.
func (e *Executor) SetPlaying(playing bool) {
	e.playMu.Lock()
	changed := e.playing != playing
	e.playing = playing
	e.playMu.Unlock()
	e.playCond.Broadcast()
	if changed {
		e.bus.Publish(bus.Event{
			Signal:  bus.OpExecutionPlayStateChanged,
			Sender:  senderExecutor,
			Playing: playing,
		})
	}
}

func (e *Executor) signalLoop() {
	defer e.wg.Done()
	for {
		ev, ok := e.sub.Next()
		if !ok {
			return
		}
		switch ev.Signal {
		case bus.PauseOpExecution:
			log.Info().Msg("Pausing op execution.")
			e.SetPlaying(false)
		case bus.ResumeOpExecution:
			log.Info().Msg("Resuming op execution.")
			e.SetPlaying(true)
		}
	}
}

// waitWhilePaused blocks while paused; returns false at shutdown.
func (e *Executor) waitWhilePaused() bool {
	e.playMu.Lock()
	defer e.playMu.Unlock()
	for !e.playing && !e.stopped {
		e.playCond.Wait()
	}
	return !e.stopped
}

func (e *Executor) runLoop() {
	defer e.wg.Done()
	for {
		if !e.waitWhilePaused() {
			return
		}
		userOp := e.ops.GetNextOp()
		if userOp == nil {
			log.Debug().Msg("Op graph returned nil; executor shutting down.")
			return
		}
		e.executeOp(userOp)
	}
}

func (e *Executor) executeOp(userOp *model.UserOp) {
	cmd, err := e.builder.Build(userOp)
	if err != nil {
		log.Error().Err(err).Stringer("op", userOp).Msg("Could not build command for op.")
		e.ops.FailOp(userOp, err.Error())
		return
	}
	if cmd.NeedsGDrive() && e.gdrive == nil {
		e.ops.FailOp(userOp, "no Google Drive client is configured")
		return
	}

	cxt := &Context{StagingDir: e.staging.Dir(), Cache: e.cache, GDrive: e.gdrive}
	result, err := cmd.Execute(cxt)
	if err != nil {
		log.Error().Err(err).Stringer("op", userOp).Msg("Command failed.")
		if isCacheConsistencyError(err) {
			// Retrying cannot fix a cache inconsistency; archive as failed.
			if archiveErr := e.ops.FailOpArchived(userOp, err.Error()); archiveErr != nil {
				log.Error().Err(archiveErr).Stringer("op", userOp).Msg("Could not archive failed op.")
			}
		} else {
			e.ops.FailOp(userOp, err.Error())
		}
		return
	}

	if err := e.ingestResult(userOp, result); err != nil {
		log.Error().Err(err).Stringer("op", userOp).Msg("Could not ingest command result.")
		e.ops.FailOp(userOp, err.Error())
		return
	}

	userOp.SetStatus(result.Status)
	if err := e.ops.FinishOp(userOp); err != nil {
		log.Error().Err(err).Stringer("op", userOp).Msg("Could not archive completed op.")
	}
}

func isCacheConsistencyError(err error) bool {
	var notFound *cache.NodeNotFoundError
	var mapping *cache.IDMappingConflictError
	return errors.As(err, &notFound) || errors.As(err, &mapping)
}

// ingestResult applies a command's cache updates: upserts first (parents
// before children is guaranteed by each command returning at most one level),
// then deletions.
func (e *Executor) ingestResult(userOp *model.UserOp, result *UserOpResult) error {
	if result == nil {
		return fmt.Errorf("command for op %d returned no result", userOp.OpUID)
	}
	for _, n := range result.ToUpsert {
		if _, err := e.cache.UpsertSingleNode(n); err != nil {
			return err
		}
	}
	for _, n := range result.ToDelete {
		if err := e.cache.RemoveSingleNode(n); err != nil {
			return err
		}
	}
	return nil
}
