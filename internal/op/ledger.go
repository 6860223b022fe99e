package op

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/outlet-sync/outlet/internal/model"
)

const (
	lifecyclePending = "pending"
	lifecycleArchive = "archive"
	sideSrc          = "src"
	sideDst          = "dst"
)

// Ledger is the durable op store: pending, completed, and failed ops plus full
// node snapshots, so that a pending op can be reconstituted after a crash
// without consulting the node caches.
type Ledger struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS pending_op (
	op_uid INTEGER PRIMARY KEY,
	batch_uid INTEGER NOT NULL,
	op_type INTEGER NOT NULL,
	src_device_uid INTEGER NOT NULL,
	src_node_uid INTEGER NOT NULL,
	dst_device_uid INTEGER,
	dst_node_uid INTEGER,
	create_ts INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS completed_op (
	op_uid INTEGER PRIMARY KEY,
	batch_uid INTEGER NOT NULL,
	op_type INTEGER NOT NULL,
	src_device_uid INTEGER NOT NULL,
	src_node_uid INTEGER NOT NULL,
	dst_device_uid INTEGER,
	dst_node_uid INTEGER,
	create_ts INTEGER NOT NULL,
	complete_ts INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS failed_op (
	op_uid INTEGER PRIMARY KEY,
	batch_uid INTEGER NOT NULL,
	op_type INTEGER NOT NULL,
	src_device_uid INTEGER NOT NULL,
	src_node_uid INTEGER NOT NULL,
	dst_device_uid INTEGER,
	dst_node_uid INTEGER,
	create_ts INTEGER NOT NULL,
	complete_ts INTEGER NOT NULL,
	error_msg TEXT
);
CREATE TABLE IF NOT EXISTS op_local_file (
	action_uid INTEGER NOT NULL,
	lifecycle TEXT NOT NULL,
	side TEXT NOT NULL,
	device_uid INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	parent_uid INTEGER NOT NULL,
	full_path TEXT NOT NULL,
	size INTEGER NOT NULL,
	sync_ts INTEGER,
	modify_ts INTEGER,
	change_ts INTEGER,
	md5 TEXT,
	sha256 TEXT,
	is_live INTEGER NOT NULL,
	trashed INTEGER NOT NULL,
	PRIMARY KEY (action_uid, lifecycle, side)
);
CREATE TABLE IF NOT EXISTS op_local_dir (
	action_uid INTEGER NOT NULL,
	lifecycle TEXT NOT NULL,
	side TEXT NOT NULL,
	device_uid INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	parent_uid INTEGER NOT NULL,
	full_path TEXT NOT NULL,
	is_live INTEGER NOT NULL,
	all_children_fetched INTEGER NOT NULL,
	trashed INTEGER NOT NULL,
	PRIMARY KEY (action_uid, lifecycle, side)
);
CREATE TABLE IF NOT EXISTS op_gdrive_file (
	action_uid INTEGER NOT NULL,
	lifecycle TEXT NOT NULL,
	side TEXT NOT NULL,
	device_uid INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	goog_id TEXT,
	name TEXT NOT NULL,
	parent_uids TEXT NOT NULL,
	path_list TEXT,
	version INTEGER,
	md5 TEXT,
	size INTEGER NOT NULL,
	drive_id TEXT,
	create_ts INTEGER,
	modify_ts INTEGER,
	sync_ts INTEGER,
	trashed INTEGER NOT NULL,
	PRIMARY KEY (action_uid, lifecycle, side)
);
CREATE TABLE IF NOT EXISTS op_gdrive_folder (
	action_uid INTEGER NOT NULL,
	lifecycle TEXT NOT NULL,
	side TEXT NOT NULL,
	device_uid INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	goog_id TEXT,
	name TEXT NOT NULL,
	parent_uids TEXT NOT NULL,
	path_list TEXT,
	all_children_fetched INTEGER NOT NULL,
	sync_ts INTEGER,
	trashed INTEGER NOT NULL,
	PRIMARY KEY (action_uid, lifecycle, side)
);
`

// NewLedger opens (or creates) the op database.
func NewLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open op db %s: %w", dbPath, err)
	}
	// The ledger is serialized through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create op db schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func insertNodeSnapshot(tx *sql.Tx, actionUID model.UID, lifecycle, side string, n model.TNode) error {
	switch node := n.(type) {
	case *model.LocalFileNode:
		_, err := tx.Exec(`INSERT OR REPLACE INTO op_local_file
			(action_uid, lifecycle, side, device_uid, uid, parent_uid, full_path, size,
			 sync_ts, modify_ts, change_ts, md5, sha256, is_live, trashed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			actionUID, lifecycle, side, node.DeviceUID(), node.UID(), node.ParentUID,
			node.SinglePath(), node.Size, node.SyncTS, node.ModifyTS, node.ChangeTS,
			node.MD5Hex, node.SHA256Hex, boolToInt(node.Live), int(node.Trashed()))
		return err
	case *model.LocalDirNode:
		_, err := tx.Exec(`INSERT OR REPLACE INTO op_local_dir
			(action_uid, lifecycle, side, device_uid, uid, parent_uid, full_path,
			 is_live, all_children_fetched, trashed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			actionUID, lifecycle, side, node.DeviceUID(), node.UID(), node.ParentUID,
			node.SinglePath(), boolToInt(node.Live), boolToInt(node.AllChildrenFetched),
			int(node.Trashed()))
		return err
	case *model.GDriveFileNode:
		parents, _ := json.Marshal(node.ParentIDs)
		paths, _ := json.Marshal(node.PathList())
		_, err := tx.Exec(`INSERT OR REPLACE INTO op_gdrive_file
			(action_uid, lifecycle, side, device_uid, uid, goog_id, name, parent_uids,
			 path_list, version, md5, size, drive_id, create_ts, modify_ts, sync_ts, trashed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			actionUID, lifecycle, side, node.DeviceUID(), node.UID(), node.GoogID,
			node.NodeName, string(parents), string(paths), node.Version, node.MD5Hex,
			node.Size, node.DriveID, node.CreateTS, node.ModifyTS, node.SyncTS,
			int(node.Trashed()))
		return err
	case *model.GDriveFolderNode:
		parents, _ := json.Marshal(node.ParentIDs)
		paths, _ := json.Marshal(node.PathList())
		_, err := tx.Exec(`INSERT OR REPLACE INTO op_gdrive_folder
			(action_uid, lifecycle, side, device_uid, uid, goog_id, name, parent_uids,
			 path_list, all_children_fetched, sync_ts, trashed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			actionUID, lifecycle, side, node.DeviceUID(), node.UID(), node.GoogID,
			node.NodeName, string(parents), string(paths),
			boolToInt(node.AllChildrenFetched), node.SyncTS, int(node.Trashed()))
		return err
	}
	return fmt.Errorf("cannot snapshot node type %T", n)
}

func (l *Ledger) loadNodeSnapshot(actionUID model.UID, lifecycle, side string) (model.TNode, error) {
	row := l.db.QueryRow(`SELECT device_uid, uid, parent_uid, full_path, size, sync_ts,
			modify_ts, change_ts, md5, sha256, is_live, trashed
		FROM op_local_file WHERE action_uid = ? AND lifecycle = ? AND side = ?`,
		actionUID, lifecycle, side)
	var (
		deviceUID, uid, parentUID      uint64
		fullPath, md5hex, sha256hex    string
		size, syncTS, modTS, changeTS  int64
		isLive, trashed                int
	)
	err := row.Scan(&deviceUID, &uid, &parentUID, &fullPath, &size, &syncTS, &modTS,
		&changeTS, &md5hex, &sha256hex, &isLive, &trashed)
	if err == nil {
		n := model.NewLocalFileNode(
			model.DNUID{DeviceUID: model.UID(deviceUID), UID: model.UID(uid)},
			model.UID(parentUID), fullPath, size, md5hex, isLive == 1)
		n.SHA256Hex = sha256hex
		n.SyncTS = syncTS
		n.ModifyTS = modTS
		n.ChangeTS = changeTS
		n.SetTrashed(model.TrashStatus(trashed))
		return n, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	row = l.db.QueryRow(`SELECT device_uid, uid, parent_uid, full_path, is_live,
			all_children_fetched, trashed
		FROM op_local_dir WHERE action_uid = ? AND lifecycle = ? AND side = ?`,
		actionUID, lifecycle, side)
	var allFetched int
	err = row.Scan(&deviceUID, &uid, &parentUID, &fullPath, &isLive, &allFetched, &trashed)
	if err == nil {
		n := model.NewLocalDirNode(
			model.DNUID{DeviceUID: model.UID(deviceUID), UID: model.UID(uid)},
			model.UID(parentUID), fullPath, isLive == 1, allFetched == 1)
		n.SetTrashed(model.TrashStatus(trashed))
		return n, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	row = l.db.QueryRow(`SELECT device_uid, uid, goog_id, name, parent_uids, path_list,
			version, md5, size, create_ts, modify_ts, sync_ts, trashed
		FROM op_gdrive_file WHERE action_uid = ? AND lifecycle = ? AND side = ?`,
		actionUID, lifecycle, side)
	var (
		googID, name, parentsJSON, pathsJSON string
		version, createTS                    int64
	)
	err = row.Scan(&deviceUID, &uid, &googID, &name, &parentsJSON, &pathsJSON,
		&version, &md5hex, &size, &createTS, &modTS, &syncTS, &trashed)
	if err == nil {
		var parents []model.UID
		var paths []string
		json.Unmarshal([]byte(parentsJSON), &parents)
		json.Unmarshal([]byte(pathsJSON), &paths)
		n := model.NewGDriveFileNode(
			model.DNUID{DeviceUID: model.UID(deviceUID), UID: model.UID(uid)},
			googID, name, parents, size, md5hex)
		n.Version = version
		n.CreateTS = createTS
		n.ModifyTS = modTS
		n.SyncTS = syncTS
		n.SetPathList(paths)
		n.SetTrashed(model.TrashStatus(trashed))
		return n, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	row = l.db.QueryRow(`SELECT device_uid, uid, goog_id, name, parent_uids, path_list,
			all_children_fetched, sync_ts, trashed
		FROM op_gdrive_folder WHERE action_uid = ? AND lifecycle = ? AND side = ?`,
		actionUID, lifecycle, side)
	err = row.Scan(&deviceUID, &uid, &googID, &name, &parentsJSON, &pathsJSON,
		&allFetched, &syncTS, &trashed)
	if err == nil {
		var parents []model.UID
		var paths []string
		json.Unmarshal([]byte(parentsJSON), &parents)
		json.Unmarshal([]byte(pathsJSON), &paths)
		n := model.NewGDriveFolderNode(
			model.DNUID{DeviceUID: model.UID(deviceUID), UID: model.UID(uid)},
			googID, name, parents, allFetched == 1)
		n.SyncTS = syncTS
		n.SetPathList(paths)
		n.SetTrashed(model.TrashStatus(trashed))
		return n, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	return nil, fmt.Errorf("no node snapshot for action %d (%s/%s)", actionUID, lifecycle, side)
}

func deleteSnapshots(tx *sql.Tx, actionUID model.UID, lifecycle string) error {
	for _, table := range []string{"op_local_file", "op_local_dir", "op_gdrive_file", "op_gdrive_folder"} {
		if _, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE action_uid = ? AND lifecycle = ?", table),
			actionUID, lifecycle); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) insertPendingLocked(tx *sql.Tx, op *model.UserOp) error {
	var dstDevice, dstUID interface{}
	if op.HasDst() {
		dstDevice = uint64(op.DstNode.DeviceUID())
		dstUID = uint64(op.DstNode.UID())
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO pending_op
		(op_uid, batch_uid, op_type, src_device_uid, src_node_uid, dst_device_uid, dst_node_uid, create_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OpUID, op.BatchUID, int(op.Type), op.SrcNode.DeviceUID(), op.SrcNode.UID(),
		dstDevice, dstUID, op.CreateTS); err != nil {
		return err
	}
	if err := insertNodeSnapshot(tx, op.OpUID, lifecyclePending, sideSrc, op.SrcNode); err != nil {
		return err
	}
	if op.HasDst() {
		return insertNodeSnapshot(tx, op.OpUID, lifecyclePending, sideDst, op.DstNode)
	}
	return nil
}

// UpsertPendingOpList persists a batch of pending ops with their node
// snapshots, atomically.
func (l *Ledger) UpsertPendingOpList(ops []*model.UserOp) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, op := range ops {
		if err := l.insertPendingLocked(tx, op); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeletePendingOpList removes pending rows (and their snapshots) for ops that
// were discarded rather than executed.
func (l *Ledger) DeletePendingOpList(ops []*model.UserOp) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, op := range ops {
		if _, err := tx.Exec("DELETE FROM pending_op WHERE op_uid = ?", op.OpUID); err != nil {
			return err
		}
		if err := deleteSnapshots(tx, op.OpUID, lifecyclePending); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ArchiveCompletedOpList moves ops from pending to completed in one
// transaction.
func (l *Ledger) ArchiveCompletedOpList(ops []*model.UserOp) error {
	now := time.Now().UnixMilli()
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, op := range ops {
		if err := archiveOne(tx, op, now, "completed_op", ""); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ArchiveFailedOpList moves ops from pending to failed with the given error
// message.
func (l *Ledger) ArchiveFailedOpList(ops []*model.UserOp, errMsg string) error {
	now := time.Now().UnixMilli()
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, op := range ops {
		if err := archiveOne(tx, op, now, "failed_op", errMsg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func archiveOne(tx *sql.Tx, op *model.UserOp, completeTS int64, table, errMsg string) error {
	if _, err := tx.Exec("DELETE FROM pending_op WHERE op_uid = ?", op.OpUID); err != nil {
		return err
	}
	if err := deleteSnapshots(tx, op.OpUID, lifecyclePending); err != nil {
		return err
	}

	var dstDevice, dstUID interface{}
	if op.HasDst() {
		dstDevice = uint64(op.DstNode.DeviceUID())
		dstUID = uint64(op.DstNode.UID())
	}
	var err error
	if table == "failed_op" {
		_, err = tx.Exec(`INSERT OR REPLACE INTO failed_op
			(op_uid, batch_uid, op_type, src_device_uid, src_node_uid, dst_device_uid, dst_node_uid,
			 create_ts, complete_ts, error_msg)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.OpUID, op.BatchUID, int(op.Type), op.SrcNode.DeviceUID(), op.SrcNode.UID(),
			dstDevice, dstUID, op.CreateTS, completeTS, errMsg)
	} else {
		_, err = tx.Exec(`INSERT OR REPLACE INTO completed_op
			(op_uid, batch_uid, op_type, src_device_uid, src_node_uid, dst_device_uid, dst_node_uid,
			 create_ts, complete_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.OpUID, op.BatchUID, int(op.Type), op.SrcNode.DeviceUID(), op.SrcNode.UID(),
			dstDevice, dstUID, op.CreateTS, completeTS)
	}
	if err != nil {
		return err
	}
	if err := insertNodeSnapshot(tx, op.OpUID, lifecycleArchive, sideSrc, op.SrcNode); err != nil {
		return err
	}
	if op.HasDst() {
		return insertNodeSnapshot(tx, op.OpUID, lifecycleArchive, sideDst, op.DstNode)
	}
	return nil
}

type opRow struct {
	opUID, batchUID   model.UID
	opType            model.OpType
	hasDst            bool
	createTS          int64
}

func (l *Ledger) loadOpRows(table, orderBy string) ([]opRow, error) {
	rows, err := l.db.Query(fmt.Sprintf(
		"SELECT op_uid, batch_uid, op_type, dst_node_uid, create_ts FROM %s ORDER BY %s", table, orderBy))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []opRow
	for rows.Next() {
		var (
			opUID, batchUID uint64
			opType          int
			dstUID          sql.NullInt64
			createTS        int64
		)
		if err := rows.Scan(&opUID, &batchUID, &opType, &dstUID, &createTS); err != nil {
			return nil, err
		}
		out = append(out, opRow{
			opUID:    model.UID(opUID),
			batchUID: model.UID(batchUID),
			opType:   model.OpType(opType),
			hasDst:   dstUID.Valid,
			createTS: createTS,
		})
	}
	return out, rows.Err()
}

func (l *Ledger) reconstituteOps(refs []opRow, lifecycle string) ([]*model.UserOp, error) {
	ops := make([]*model.UserOp, 0, len(refs))
	for _, ref := range refs {
		srcNode, err := l.loadNodeSnapshot(ref.opUID, lifecycle, sideSrc)
		if err != nil {
			return nil, err
		}
		var dstNode model.TNode
		if ref.hasDst {
			dstNode, err = l.loadNodeSnapshot(ref.opUID, lifecycle, sideDst)
			if err != nil {
				return nil, err
			}
		}
		op := &model.UserOp{
			OpUID:    ref.opUID,
			BatchUID: ref.batchUID,
			Type:     ref.opType,
			SrcNode:  srcNode,
			DstNode:  dstNode,
			CreateTS: ref.createTS,
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// LoadAllPendingOps reconstitutes every pending op, sorted by batch_uid then
// op_uid so batches replay in submission order.
func (l *Ledger) LoadAllPendingOps() ([]*model.UserOp, error) {
	refs, err := l.loadOpRows("pending_op", "batch_uid, op_uid")
	if err != nil {
		return nil, err
	}
	return l.reconstituteOps(refs, lifecyclePending)
}

// LoadAllCompletedOps reconstitutes the completed archive, sorted by op_uid.
func (l *Ledger) LoadAllCompletedOps() ([]*model.UserOp, error) {
	refs, err := l.loadOpRows("completed_op", "op_uid")
	if err != nil {
		return nil, err
	}
	return l.reconstituteOps(refs, lifecycleArchive)
}

// PendingOpCount returns the number of pending rows.
func (l *Ledger) PendingOpCount() (int, error) {
	var count int
	err := l.db.QueryRow("SELECT COUNT(*) FROM pending_op").Scan(&count)
	return count, err
}

// CancelAllPendingOps moves every pending op to the failed table with reason
// "cancelled". Called at startup when the user chooses not to resume.
func (l *Ledger) CancelAllPendingOps() error {
	ops, err := l.LoadAllPendingOps()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	log.Info().Int("count", len(ops)).Msg("Cancelling all pending ops.")
	return l.ArchiveFailedOpList(ops, "cancelled")
}
