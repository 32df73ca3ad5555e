package hexa

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Database roots the ownership graph: sessions, tables and indexes hold
// non-owning ids resolved through it.
type Database struct {
	name   string
	logger *zap.Logger
	engine *Engine
	store  *PageStore

	persistent bool
	mvStore    bool
	cluster    string
	tempDir    string

	lockMode      LockMode
	maxMemoryUndo int

	tables       map[int32]*Table
	tablesByName map[string]*Table
	nextTableID  int32
	nextIndexID  int32

	sessions map[string]*Session

	closing bool

	mu sync.RWMutex
}

func (d *Database) Name() string {
	return d.name
}

func (d *Database) Store() *PageStore {
	return d.store
}

func (d *Database) isClosing() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closing
}

// NewSession opens a mutation envelope with its own undo log. Persistent
// databases spill undo to disk temp files in the database directory, named
// from the hexa-undo-*.tmp pattern; others spill to memory.
func (d *Database) NewSession() *Session {
	var tempFiles TempFileFactory
	if d.persistent {
		tempFiles = OSTempFileFactory(d.tempDir, "hexa-undo-*.tmp")
	} else {
		tempFiles = MemTempFileFactory()
	}
	undo := NewUndoLog(d.logger, d.maxMemoryUndo, d.persistent, d.mvStore, tempFiles)
	session := newSession(d, d.logger, undo, d.lockMode)

	d.mu.Lock()
	d.sessions[session.ID()] = session
	d.mu.Unlock()
	return session
}

func (d *Database) removeSession(s *Session) {
	d.mu.Lock()
	delete(d.sessions, s.ID())
	d.mu.Unlock()
}

// CreateTable registers a table backed by a paged data index on
// persistent or MV_STORE databases and a scan index otherwise. mainIndexColumn < 0
// means generated row keys.
func (d *Database) CreateTable(name string, columns []Column, mainIndexColumn int) (*Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tablesByName[name]; exists {
		return nil, newDbError(GeneralError, "table %s already exists", name)
	}

	table := NewTable(d.nextTableID, name, columns, mainIndexColumn)
	d.nextTableID++

	if d.persistent || d.mvStore {
		indexID := d.nextIndexID
		d.nextIndexID++
		data, err := NewBTreeIndex(d.logger, d.store, table, indexID, name+"_data", mainIndexColumn)
		if err != nil {
			return nil, err
		}
		table.SetDataIndex(data)
	} else {
		table.SetDataIndex(NewScanIndex(name+"_scan", table))
	}

	d.tables[table.ID()] = table
	d.tablesByName[name] = table
	return table, nil
}

// CreateTempTable registers a table on the in-memory scan index
// regardless of persistence.
func (d *Database) CreateTempTable(name string, columns []Column) (*Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tablesByName[name]; exists {
		return nil, newDbError(GeneralError, "table %s already exists", name)
	}
	table := NewTable(d.nextTableID, name, columns, -1)
	d.nextTableID++
	table.SetDataIndex(NewScanIndex(name+"_scan", table))
	d.tables[table.ID()] = table
	d.tablesByName[name] = table
	return table, nil
}

// CreateHashIndex adds an equality-only secondary index on one column.
func (d *Database) CreateHashIndex(table *Table, name string, column int) (*HashIndex, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ix := NewHashIndex(name, table, column)
	table.AddSecondaryIndex(ix)
	return ix, nil
}

func (d *Database) TableByID(id int32) (*Table, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[id]
	return t, ok
}

func (d *Database) TableByName(name string) (*Table, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tablesByName[name]
	return t, ok
}

// Close rolls back open sessions, closes tables and the store, and
// unregisters from the engine.
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	tables := make([]*Table, 0, len(d.tables))
	for _, t := range d.tables {
		tables = append(tables, t)
	}
	d.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	for _, t := range tables {
		err = multierr.Append(err, t.Close())
	}
	err = multierr.Append(err, d.store.Close())

	if d.engine != nil {
		d.engine.remove(d.name, d)
	}
	if d.logger != nil {
		d.logger.Debug("closed database", zap.String("name", d.name))
	}
	return err
}
