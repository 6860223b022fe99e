// Package exec executes ready ops: it builds a backend-specific command for
// each op popped from the graph, runs it, and feeds the results back into the
// cache and the ledger.
package exec

import (
	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/gdrive"
	"github.com/outlet-sync/outlet/internal/model"
)

// UserOpResult is what a command reports back: a terminal status plus the
// cache updates it implies.
type UserOpResult struct {
	Status   model.OpStatus
	ToUpsert []model.TNode
	ToDelete []model.TNode
}

// Context provides a command with everything it may touch while executing.
type Context struct {
	StagingDir string
	Cache      *cache.Manager
	GDrive     *gdrive.Client
}

// Command is one executable unit built from a UserOp. Execute returns an
// error only for backend-operational failures; semantic no-ops return a
// result with StatusCompletedNoOp.
type Command interface {
	Op() *model.UserOp
	NeedsGDrive() bool
	Execute(cxt *Context) (*UserOpResult, error)
}

type baseCommand struct {
	op *model.UserOp
}

func (c *baseCommand) Op() *model.UserOp { return c.op }
func (c *baseCommand) NeedsGDrive() bool { return false }

type gdriveCommand struct {
	baseCommand
}

func (c *gdriveCommand) NeedsGDrive() bool { return true }
