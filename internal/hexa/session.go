package hexa

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockMode controls how concurrency anomalies on delete paths are treated.
type LockMode int

const (
	// LockModeOff expects concurrent deletes: row-not-found and
	// duplicate-on-reinsert during rollback are ignored.
	LockModeOff LockMode = iota
	LockModeTable
)

type lobCleanup struct {
	store *PageStore
	ptr   LobPointer
}

// Session is the per-connection mutation envelope. It owns its undo log
// and is single threaded by contract; the database serializes writers.
type Session struct {
	id     string
	db     *Database
	logger *zap.Logger

	undo        *UndoLog
	lobCleanups []lobCleanup

	lockMode LockMode
}

func newSession(db *Database, logger *zap.Logger, undo *UndoLog, lockMode LockMode) *Session {
	return &Session{
		id:       uuid.NewString(),
		db:       db,
		logger:   logger,
		undo:     undo,
		lockMode: lockMode,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UndoLog() *UndoLog {
	return s.undo
}

// RegisterLobCleanup remembers an out of line value written during this
// transaction so its pages can be reclaimed on rollback.
func (s *Session) RegisterLobCleanup(store *PageStore, ptr LobPointer) {
	s.lobCleanups = append(s.lobCleanups, lobCleanup{store: store, ptr: ptr})
}

// Savepoint returns a marker for a partial rollback.
func (s *Session) Savepoint() int {
	return s.undo.Size()
}

// Commit clears the undo log; the temp spill file auto deletes.
func (s *Session) Commit() error {
	s.lobCleanups = nil
	return s.undo.Clear()
}

// Rollback applies the undo log in reverse-arrival order until empty, then
// reclaims LOB pages written by the transaction.
func (s *Session) Rollback() error {
	if err := s.RollbackTo(0); err != nil {
		return err
	}
	for _, lc := range s.lobCleanups {
		if err := freeLob(lc.store, lc.ptr); err != nil {
			return err
		}
	}
	s.lobCleanups = nil
	return s.undo.Clear()
}

// RollbackTo undoes records until the log shrinks to the savepoint.
func (s *Session) RollbackTo(savepoint int) error {
	for s.undo.Size() > savepoint {
		record, err := s.undo.GetLast()
		if err != nil {
			return err
		}
		if record == nil {
			break
		}
		if err := s.applyUndo(record); err != nil {
			return err
		}
		s.undo.RemoveLast()
	}
	return nil
}

// applyUndo reverses one record. Under lock mode OFF concurrent deletes
// are expected, so missing rows and duplicate reinserts are ignored.
func (s *Session) applyUndo(record *UndoLogRecord) error {
	table, ok := s.db.TableByID(record.TableID)
	if !ok {
		return newDbError(GeneralError, "undo references unknown table %d", record.TableID)
	}
	switch record.Operation {
	case UndoInsert:
		row := NewRow(record.RowKey, record.Values)
		err := table.RemoveRow(nil, row)
		if err != nil && s.lockMode == LockModeOff && HasCode(err, RowNotFoundWhenDeleting) {
			return nil
		}
		return err
	case UndoDelete:
		row := NewRow(record.RowKey, record.Values)
		err := table.AddRow(nil, row)
		if err != nil && s.lockMode == LockModeOff && HasCode(err, DuplicateKey) {
			return nil
		}
		return err
	case UndoTruncate:
		// Truncations drop pages wholesale; the rows are gone.
		if s.logger != nil {
			s.logger.Warn("cannot undo truncate", zap.Int32("table", record.TableID))
		}
		return nil
	default:
		return newDbError(FileCorrupted, "undo record has unknown operation %d", record.Operation)
	}
}

// Close rolls back any open work and releases the undo log.
func (s *Session) Close() error {
	if s.undo.Size() > 0 {
		if err := s.Rollback(); err != nil {
			return err
		}
	}
	if s.db != nil {
		s.db.removeSession(s)
	}
	return s.undo.Clear()
}
