package model

import (
	"fmt"
	"sync"
	"time"
)

// OpType enumerates the operation kinds emitted by the change-tree builder.
type OpType int

const (
	OpRM OpType = iota + 1
	OpMKDIR
	OpCP
	OpCPOnto
	OpMV
	OpMVOnto
	OpStartDirCP
	OpFinishDirCP
	OpStartDirMV
	OpFinishDirMV
)

func (t OpType) String() string {
	switch t {
	case OpRM:
		return "RM"
	case OpMKDIR:
		return "MKDIR"
	case OpCP:
		return "CP"
	case OpCPOnto:
		return "CP_ONTO"
	case OpMV:
		return "MV"
	case OpMVOnto:
		return "MV_ONTO"
	case OpStartDirCP:
		return "START_DIR_CP"
	case OpFinishDirCP:
		return "FINISH_DIR_CP"
	case OpStartDirMV:
		return "START_DIR_MV"
	case OpFinishDirMV:
		return "FINISH_DIR_MV"
	}
	return fmt.Sprintf("OpType(%d)", int(t))
}

// HasDst reports whether the op type is binary (carries a dst node).
func (t OpType) HasDst() bool {
	switch t {
	case OpCP, OpCPOnto, OpMV, OpMVOnto, OpStartDirCP, OpFinishDirCP, OpStartDirMV, OpFinishDirMV:
		return true
	}
	return false
}

// IsCreateType reports whether the op creates its target (as opposed to
// reading or removing it).
func (t OpType) IsCreateType() bool {
	switch t {
	case OpMKDIR, OpCP, OpCPOnto, OpMV, OpMVOnto, OpStartDirCP, OpFinishDirCP, OpStartDirMV, OpFinishDirMV:
		return true
	}
	return false
}

// AreEquivalent reports whether two op types are interchangeable for batch
// conflict purposes. The START/FINISH halves of a directory copy (or move)
// count as the same operation on their shared target.
func AreEquivalent(a, b OpType) bool {
	if (a == OpStartDirCP || a == OpFinishDirCP) && (b == OpStartDirCP || b == OpFinishDirCP) {
		return true
	}
	if (a == OpStartDirMV || a == OpFinishDirMV) && (b == OpStartDirMV || b == OpFinishDirMV) {
		return true
	}
	return a == b
}

// OpStatus is the lifecycle state of a UserOp.
type OpStatus int

const (
	OpNotStarted OpStatus = iota
	OpExecuting
	OpCompletedOK
	OpCompletedNoOp
	OpStoppedOnError
	OpBlockedByError
)

func (s OpStatus) String() string {
	switch s {
	case OpNotStarted:
		return "not_started"
	case OpExecuting:
		return "executing"
	case OpCompletedOK:
		return "completed_ok"
	case OpCompletedNoOp:
		return "completed_no_op"
	case OpStoppedOnError:
		return "stopped_on_error"
	case OpBlockedByError:
		return "blocked_by_error"
	}
	return fmt.Sprintf("OpStatus(%d)", int(s))
}

// UserOp is one unit of user-requested work. Unary ops (RM, MKDIR) have only a
// src node; binary ops also carry a dst.
type UserOp struct {
	OpUID    UID
	BatchUID UID
	Type     OpType
	SrcNode  TNode
	DstNode  TNode
	CreateTS int64 // ms since epoch

	mu     sync.Mutex
	status OpStatus
	errMsg string
}

// NewUserOp builds an op stamped with the current time.
func NewUserOp(opUID, batchUID UID, opType OpType, src, dst TNode) *UserOp {
	return &UserOp{
		OpUID:    opUID,
		BatchUID: batchUID,
		Type:     opType,
		SrcNode:  src,
		DstNode:  dst,
		CreateTS: time.Now().UnixMilli(),
	}
}

func (op *UserOp) HasDst() bool { return op.DstNode != nil }

func (op *UserOp) Status() OpStatus {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.status
}

func (op *UserOp) SetStatus(s OpStatus) {
	op.mu.Lock()
	op.status = s
	op.mu.Unlock()
}

// SetError marks the op stopped with the given message.
func (op *UserOp) SetError(msg string) {
	op.mu.Lock()
	op.status = OpStoppedOnError
	op.errMsg = msg
	op.mu.Unlock()
}

func (op *UserOp) ErrorMsg() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.errMsg
}

// IsCompleted reports whether the op finished successfully (including the
// no-op case).
func (op *UserOp) IsCompleted() bool {
	s := op.Status()
	return s == OpCompletedOK || s == OpCompletedNoOp
}

func (op *UserOp) IsStoppedOnError() bool { return op.Status() == OpStoppedOnError }

func (op *UserOp) String() string {
	dst := "-"
	if op.HasDst() {
		dst = op.DstNode.Identifier().String()
	}
	return fmt.Sprintf("UserOp(uid=%d batch=%d %s src=%s dst=%s)",
		op.OpUID, op.BatchUID, op.Type, op.SrcNode.Identifier(), dst)
}

// Batch is an ordered group of UserOps sharing one batch_uid.
type Batch struct {
	BatchUID UID
	OpList   []*UserOp
}

// ChangeCategory is the display category a change-tree entry belongs to.
type ChangeCategory int

const (
	CategoryNone ChangeCategory = iota
	CategoryAdded
	CategoryDeleted
	CategoryUpdated
	CategoryMoved
)

func (c ChangeCategory) String() string {
	switch c {
	case CategoryAdded:
		return "added"
	case CategoryDeleted:
		return "deleted"
	case CategoryUpdated:
		return "updated"
	case CategoryMoved:
		return "moved"
	}
	return "none"
}

// CategoryForOpType maps an op type to its display category.
func CategoryForOpType(t OpType) ChangeCategory {
	switch t {
	case OpRM:
		return CategoryDeleted
	case OpCPOnto, OpMVOnto:
		return CategoryUpdated
	case OpMV, OpStartDirMV, OpFinishDirMV:
		return CategoryMoved
	case OpMKDIR, OpCP, OpStartDirCP, OpFinishDirCP:
		return CategoryAdded
	}
	return CategoryNone
}
