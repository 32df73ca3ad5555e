package hexa

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Data file suffixes, selected by the MV_STORE setting.
const (
	SuffixPageStore = ".page.db"
	SuffixMVStore   = ".mv.db"
)

// OpenOptions is the parsed connection configuration.
type OpenOptions struct {
	Name     string
	User     string
	Password string

	// Dir is the database directory; empty means in-memory.
	Dir string

	MVStore        bool
	IfExists       bool
	ForbidCreation bool
	OpenNew        bool
	JMX            bool
	Cipher         string
	AuthRealm      string
	Cluster        string

	CacheSize     int
	MaxMemoryUndo int
	LockMode      LockMode
}

// ParseSettings folds a raw key/value settings map into options. Unknown
// keys are rejected with UNSUPPORTED_SETTING_1.
func ParseSettings(raw map[string]string) (OpenOptions, error) {
	var opts OpenOptions
	for key, value := range raw {
		switch strings.ToUpper(key) {
		case "MV_STORE":
			opts.MVStore = parseBoolSetting(value)
		case "IFEXISTS":
			opts.IfExists = parseBoolSetting(value)
		case "FORBID_CREATION":
			opts.ForbidCreation = parseBoolSetting(value)
		case "OPEN_NEW":
			opts.OpenNew = parseBoolSetting(value)
		case "JMX":
			opts.JMX = parseBoolSetting(value)
		case "CIPHER":
			opts.Cipher = value
		case "AUTHREALM":
			opts.AuthRealm = value
		case "CLUSTER":
			opts.Cluster = value
		case "CACHE_SIZE":
			n, err := strconv.Atoi(value)
			if err != nil {
				return opts, newDbError(UnsupportedSetting, "CACHE_SIZE=%q", value)
			}
			opts.CacheSize = n
		case "MAX_MEMORY_UNDO":
			n, err := strconv.Atoi(value)
			if err != nil {
				return opts, newDbError(UnsupportedSetting, "MAX_MEMORY_UNDO=%q", value)
			}
			opts.MaxMemoryUndo = n
		default:
			return opts, newDbError(UnsupportedSetting, "%s", key)
		}
	}
	return opts, nil
}

func parseBoolSetting(v string) bool {
	switch strings.ToUpper(v) {
	case "TRUE", "1", "YES":
		return true
	default:
		return false
	}
}

// CipherProvider wraps a database file with encryption. Named by the
// CIPHER setting; the engine only dispatches, the provider does the work.
type CipherProvider interface {
	Wrap(file DBFile, password string) (DBFile, error)
}

const (
	openRetryDelay   = time.Millisecond
	openRetryTimeout = time.Minute
)

// Engine is the explicit, dependency injected database registry with a
// defined init/teardown, plus the process wide credential throttle.
type Engine struct {
	logger    *zap.Logger
	auth      *Authenticator
	ciphers   map[string]CipherProvider
	databases map[string]*Database

	sleep func(time.Duration)
	now   func() time.Time

	mu sync.Mutex
}

func NewEngine(logger *zap.Logger, auth *Authenticator) *Engine {
	if auth == nil {
		auth = NewAuthenticator()
	}
	e := &Engine{
		logger:    logger,
		auth:      auth,
		ciphers:   make(map[string]CipherProvider),
		databases: make(map[string]*Database),
		sleep:     time.Sleep,
		now:       time.Now,
	}
	return e
}

func (e *Engine) Authenticator() *Authenticator {
	return e.auth
}

func (e *Engine) RegisterCipher(name string, p CipherProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ciphers[strings.ToUpper(name)] = p
}

// Open authenticates and returns the named database, creating it when the
// options allow. While a previous instance of the same name is closing,
// the open retries with a 1 ms backoff for up to one minute.
func (e *Engine) Open(opts OpenOptions) (*Database, error) {
	if opts.JMX {
		return nil, newDbError(UnsupportedSetting, "JMX")
	}
	if err := e.auth.Authenticate(opts.User, opts.Password, opts.AuthRealm); err != nil {
		return nil, err
	}

	deadline := e.now().Add(openRetryTimeout)
	for {
		e.mu.Lock()
		db, exists := e.databases[opts.Name]
		if !exists {
			db, err := e.openNew(opts)
			if err != nil {
				e.mu.Unlock()
				return nil, err
			}
			if !opts.OpenNew {
				e.databases[opts.Name] = db
			}
			e.mu.Unlock()
			return db, nil
		}
		if db.isClosing() {
			e.mu.Unlock()
			if e.now().After(deadline) {
				return nil, newDbError(DatabaseCalledAtShutdown, "database %s", opts.Name)
			}
			e.sleep(openRetryDelay)
			continue
		}
		if opts.OpenNew {
			// Force a fresh unregistered instance alongside the open one.
			db, err := e.openNew(opts)
			e.mu.Unlock()
			return db, err
		}
		if err := checkClusterStamp(db.cluster, opts.Cluster); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.mu.Unlock()
		return db, nil
	}
}

// checkClusterStamp compares the on-disk cluster stamp with the one the
// connection expects.
func checkClusterStamp(stored, requested string) error {
	if stored == requested {
		return nil
	}
	if stored == "" {
		return newDbError(ClusterErrorDatabaseRunsAlone, "")
	}
	return newDbError(ClusterErrorDatabaseRunsClustered, "%s", stored)
}

// openNew creates a database instance, enforcing existence checks and the
// cipher setting. Caller holds the registry lock.
func (e *Engine) openNew(opts OpenOptions) (*Database, error) {
	persistent := opts.Dir != ""

	var backing DBFile
	if persistent {
		suffix := SuffixPageStore
		if opts.MVStore {
			suffix = SuffixMVStore
		}
		path := filepath.Join(opts.Dir, opts.Name+suffix)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if opts.IfExists || opts.ForbidCreation {
				return nil, newDbError(DatabaseNotFoundWithIfExists, "%s", opts.Name)
			}
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, err
		}
		backing = f
	} else {
		if opts.IfExists || opts.ForbidCreation {
			return nil, newDbError(DatabaseNotFoundWithIfExists, "%s", opts.Name)
		}
		backing = NewMemFile()
	}

	if opts.Cipher != "" {
		provider, ok := e.ciphers[strings.ToUpper(opts.Cipher)]
		if !ok {
			backing.Close()
			return nil, newDbError(UnsupportedSetting, "CIPHER=%s", opts.Cipher)
		}
		wrapped, err := provider.Wrap(backing, opts.Password)
		if err != nil {
			backing.Close()
			return nil, err
		}
		backing = wrapped
	}

	store, err := OpenPageStore(e.logger, backing, opts.CacheSize)
	if err != nil {
		backing.Close()
		return nil, err
	}

	db := &Database{
		name:          opts.Name,
		logger:        e.logger,
		engine:        e,
		store:         store,
		persistent:    persistent,
		mvStore:       opts.MVStore,
		cluster:       opts.Cluster,
		tempDir:       opts.Dir,
		lockMode:      opts.LockMode,
		maxMemoryUndo: opts.MaxMemoryUndo,
		tables:        make(map[int32]*Table),
		tablesByName:  make(map[string]*Table),
		sessions:      make(map[string]*Session),
		nextTableID:   1,
		nextIndexID:   1,
	}
	if e.logger != nil {
		e.logger.Debug("opened database",
			zap.String("name", opts.Name),
			zap.Bool("persistent", persistent))
	}
	return db, nil
}

// remove unregisters a closed database.
func (e *Engine) remove(name string, db *Database) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.databases[name] == db {
		delete(e.databases, name)
	}
}

// Close tears the registry down, closing every database.
func (e *Engine) Close() error {
	e.mu.Lock()
	dbs := make([]*Database, 0, len(e.databases))
	for _, db := range e.databases {
		dbs = append(dbs, db)
	}
	e.mu.Unlock()

	var err error
	for _, db := range dbs {
		err = multierr.Append(err, db.Close())
	}
	return err
}
