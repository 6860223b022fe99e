// Package backend assembles the core: cache manager, op manager, executor,
// signal bus, and the optional Drive client, with one struct handed to every
// consumer instead of ambient globals.
package backend

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/bus"
	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/exec"
	"github.com/outlet-sync/outlet/internal/gdrive"
	"github.com/outlet-sync/outlet/internal/model"
	"github.com/outlet-sync/outlet/internal/op"
	"github.com/outlet-sync/outlet/internal/task"
)

// Options configures a Backend.
type Options struct {
	CacheDir   string
	StagingDir string
	UseTrash   bool

	// ResumePendingOps replays the ledger's pending set at startup; when
	// false, pending ops are cancelled instead.
	ResumePendingOps bool

	// PauseOnStart brings the executor up paused.
	PauseOnStart bool

	// GDrive may be nil when no Drive account is configured.
	GDrive *gdrive.Client
}

// Backend owns every component of the core engine.
type Backend struct {
	Bus      *bus.Bus
	Cache    *cache.Manager
	Ops      *op.Manager
	Executor *exec.Executor
	Runner   *task.Runner
	Staging  *exec.Staging
	DBus     *bus.DBusServer

	opts Options
}

// New wires all components together. Nothing runs until Start.
func New(opts Options) (*Backend, error) {
	b := bus.New()
	cacheMan, err := cache.NewManager(opts.CacheDir, b)
	if err != nil {
		return nil, err
	}

	runner := task.NewRunner()
	opMan, err := op.NewManager(cacheMan, b, runner, filepath.Join(opts.CacheDir, "ops.db"))
	if err != nil {
		cacheMan.Close()
		return nil, err
	}

	stagingDir := opts.StagingDir
	if stagingDir == "" {
		stagingDir = filepath.Join(opts.CacheDir, "staging")
	}
	staging, err := exec.NewStaging(stagingDir)
	if err != nil {
		opMan.Shutdown()
		cacheMan.Close()
		return nil, err
	}

	executor := exec.NewExecutor(opMan, cacheMan, b, opts.GDrive, staging, opts.UseTrash)

	return &Backend{
		Bus:      b,
		Cache:    cacheMan,
		Ops:      opMan,
		Executor: executor,
		Runner:   runner,
		Staging:  staging,
		DBus:     bus.NewDBusServer(b, opMan),
		opts:     opts,
	}, nil
}

// Start brings the engine up: the task runner, then pending-op recovery, then
// the executor.
func (b *Backend) Start() error {
	b.Runner.Start()
	b.Staging.SweepOrphans(24 * time.Hour)

	if b.opts.ResumePendingOps {
		if err := b.Ops.ResumePendingOpsFromDisk(); err != nil {
			return err
		}
	} else {
		if err := b.Ops.CancelAllPendingOps(); err != nil {
			return err
		}
	}

	if b.opts.PauseOnStart {
		b.Executor.SetPlaying(false)
	}
	b.Executor.Start()

	if err := b.DBus.Start(); err != nil {
		// The core works fine without a session bus (headless hosts).
		log.Warn().Err(err).Msg("Could not start D-Bus signal server; continuing without it.")
	}
	log.Info().Msg("Backend started.")
	return nil
}

// Shutdown stops the engine in reverse dependency order. In-flight commands
// run to completion first.
func (b *Backend) Shutdown() {
	b.DBus.Stop()
	b.Ops.Graph().Shutdown()
	b.Executor.Stop()
	b.Ops.Shutdown()
	b.Runner.Shutdown()
	b.Cache.Close()
	b.Bus.Close()
	log.Info().Msg("Backend shut down.")
}

// SubmitBatch is the user-facing entry point for a new set of ops.
func (b *Backend) SubmitBatch(ops []*model.UserOp) error {
	return b.Ops.AppendNewPendingOpBatch(ops)
}
