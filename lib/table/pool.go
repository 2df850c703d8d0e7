package table

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("table")

// DefaultMaxHandles is used if Options.MaxHandles is not set.
const DefaultMaxHandles = 16

// Options configure a Pool.
type Options struct {
	Directory  string    // directory containing the database
	FileName   string    // name of the database inside Directory (a directory for pebble)
	Table      string    // name of the table, used as key prefix
	MaxHandles int       // upper bound of handles (sessions) created by the pool
	Engine     db.Driver // storage engine implementation
}

// Schema is the record describing a table. It is written once by Initialize.
type Schema struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Index   string   `json:"index"`
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Max     int `json:"max"`
	Created int `json:"created"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
}

// Pool manages a bounded set of exclusive handles on one table of one engine instance.
// Take blocks while all handles are borrowed.
type Pool struct {
	opts Options

	mu          sync.Mutex
	cond        *sync.Cond
	engine      db.Engine
	all         []*Handle
	idle        []*Handle
	borrowed    int
	waiting     int
	nextID      int
	initialized bool
	quiesced    bool
	disposed    bool
}

func NewPool(opts Options) *Pool {
	if opts.MaxHandles <= 0 {
		opts.MaxHandles = DefaultMaxHandles
	}
	p := &Pool{opts: opts}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Path returns the directory of the engine instance.
func (p *Pool) Path() string {
	return filepath.Join(p.opts.Directory, p.opts.FileName)
}

func (p *Pool) Table() string { return p.opts.Table }

// Driver returns the storage engine driver of the pool.
func (p *Pool) Driver() db.Driver { return p.opts.Engine }

func schemaKey(table string) []byte   { return []byte("s/" + table) }
func tablePrefix(table string) []byte { return []byte("t/" + table + "/") }

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Initialize opens the engine and creates the table schema if it does not exist yet.
// Calling Initialize more than once is a no-op.
func (p *Pool) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return ErrPoolDisposed
	}
	if p.initialized {
		return nil
	}
	if p.opts.Engine.Open == nil {
		return errors.New("no storage engine configured")
	}
	if err := os.MkdirAll(p.opts.Directory, 0o755); err != nil {
		return errors.Wrapf(err, "create pool directory %s", p.opts.Directory)
	}
	if err := p.openLocked(); err != nil {
		return err
	}
	p.initialized = true
	log.Infof("pool for table %s initialized in %s (engine=%s, max=%d)", p.opts.Table, p.Path(), p.opts.Engine.Impl, p.opts.MaxHandles)
	return nil
}

// openLocked opens the engine and ensures the schema record. p.mu must be held.
func (p *Pool) openLocked() error {
	engine, err := p.opts.Engine.Open(p.Path())
	if err != nil {
		return err
	}
	if err := ensureSchema(engine, p.opts.Table); err != nil {
		_ = engine.Close()
		return err
	}
	p.engine = engine
	return nil
}

func ensureSchema(engine db.Engine, table string) error {
	s, err := engine.NewSession()
	if err != nil {
		return err
	}
	defer s.Close()

	_, found, err := s.Get(schemaKey(table))
	if err != nil || found {
		return err
	}
	record, err := json.Marshal(Schema{Table: table, Columns: []string{"key", "value"}, Index: "+key"})
	if err != nil {
		return err
	}
	log.Debugf("creating schema for table %s", table)
	return s.Set(schemaKey(table), record)
}

// Schema reads the schema record of the table.
func (p *Pool) Schema() (Schema, error) {
	var schema Schema
	err := p.With(func(h *Handle) error {
		raw, found, err := h.session.Get(schemaKey(p.opts.Table))
		if err != nil {
			return err
		}
		if !found {
			return errors.Newf("no schema for table %s", p.opts.Table)
		}
		return json.Unmarshal(raw, &schema)
	})
	return schema, err
}

// Dispose prevents further takes, waits until every borrowed handle is returned
// and closes all handles and the engine. Only the first call has an effect.
func (p *Pool) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return nil
	}
	p.disposed = true
	p.cond.Broadcast()

	for p.borrowed > 0 {
		log.Debugf("dispose of %s waits for %d borrowed handle(s)", p.opts.Table, p.borrowed)
		p.cond.Wait()
	}
	return p.closeLocked()
}

// closeLocked closes all handles and the engine. p.mu must be held and no handle may be borrowed.
func (p *Pool) closeLocked() error {
	var errs error
	for _, h := range p.all {
		if err := h.session.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	p.all = nil
	p.idle = nil
	if p.engine != nil {
		if err := p.engine.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
		p.engine = nil
	}
	return errs
}

// --------------------------------------------------------------------------
// Take & Return
// --------------------------------------------------------------------------

// Take returns an exclusive handle. If all handles are borrowed and the pool is at its
// maximum size, Take blocks until a handle is returned. After Dispose it returns ErrPoolDisposed.
func (p *Pool) Take() (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		switch {
		case p.disposed:
			return nil, ErrPoolDisposed
		case !p.initialized:
			return nil, ErrNotInitialized
		case p.quiesced:
			// restore in progress
		case len(p.idle) > 0:
			h := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			return p.lend(h), nil
		case len(p.all) < p.opts.MaxHandles:
			session, err := p.engine.NewSession()
			if err != nil {
				return nil, errors.Wrap(err, "create handle")
			}
			p.nextID++
			h := &Handle{
				id:      p.nextID,
				session: session,
				table:   p.opts.Table,
				prefix:  tablePrefix(p.opts.Table),
			}
			p.all = append(p.all, h)
			return p.lend(h), nil
		}

		p.waiting++
		p.cond.Wait()
		p.waiting--
	}
}

func (p *Pool) lend(h *Handle) *Handle {
	h.borrowed = true
	p.borrowed++
	return h
}

// Return gives a handle back to the pool. An open transaction is rolled back.
// Return must be called exactly once per Take.
func (p *Pool) Return(h *Handle) {
	if h == nil {
		return
	}
	if h.InTransaction() {
		log.Warningf("handle %d of %s returned with an open transaction, rolling back", h.id, p.opts.Table)
		if err := h.Rollback(); err != nil {
			log.Errorf("rollback of handle %d failed: %v", h.id, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !h.borrowed {
		log.Errorf("handle %d of %s returned twice", h.id, p.opts.Table)
		return
	}
	h.borrowed = false
	p.borrowed--
	p.idle = append(p.idle, h)
	p.cond.Broadcast()
}

// With takes a handle, calls fn and returns the handle, also if fn panics.
func (p *Pool) With(fn func(h *Handle) error) error {
	h, err := p.Take()
	if err != nil {
		return err
	}
	defer p.Return(h)
	return fn(h)
}

// Stats returns the current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Max:     p.opts.MaxHandles,
		Created: len(p.all),
		Idle:    len(p.idle),
		Waiting: p.waiting,
	}
}

// Info returns the engine information of the pool.
func (p *Pool) Info() (db.DatabaseInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine == nil {
		return db.DatabaseInfo{}, ErrNotInitialized
	}
	return p.engine.GetInfo(), nil
}

// Flush makes all committed data of the engine durable.
func (p *Pool) Flush() error {
	p.mu.Lock()
	engine := p.engine
	p.mu.Unlock()
	if engine == nil {
		return ErrNotInitialized
	}
	return engine.Flush()
}

// --------------------------------------------------------------------------
// Backup & Restore
// --------------------------------------------------------------------------

// Backup writes a consistent copy of the database into dir, which must not exist.
// A failure reported by the engine is returned as *BackupError.
func (p *Pool) Backup(ctx context.Context, dir string) error {
	p.mu.Lock()
	engine := p.engine
	p.mu.Unlock()
	if engine == nil {
		return ErrNotInitialized
	}
	return awaitStatus(ctx, "backup "+dir, func(status db.StatusFunc) error {
		return engine.Checkpoint(dir, status)
	})
}

// Restore restores the backup in src into dst. If dst is the directory of this pool, the pool
// waits until all borrowed handles are returned, closes the engine, restores and reopens it.
// Takers block while the restore is in progress.
func (p *Pool) Restore(ctx context.Context, src, dst string) error {
	if filepath.Clean(dst) != filepath.Clean(p.Path()) {
		return awaitStatus(ctx, fmt.Sprintf("restore %s -> %s", src, dst), func(status db.StatusFunc) error {
			return p.opts.Engine.Restore(src, dst, status)
		})
	}
	return awaitStatus(ctx, fmt.Sprintf("restore %s -> %s (in place)", src, dst), func(status db.StatusFunc) error {
		return p.restoreInPlace(src, status)
	})
}

func (p *Pool) restoreInPlace(src string, status db.StatusFunc) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrPoolDisposed
	}
	if !p.initialized {
		p.mu.Unlock()
		return ErrNotInitialized
	}
	p.quiesced = true
	for p.borrowed > 0 {
		p.cond.Wait()
	}
	closeErr := p.closeLocked()
	p.mu.Unlock()

	restoreErr := closeErr
	if restoreErr == nil {
		restoreErr = p.opts.Engine.Restore(src, p.Path(), status)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.quiesced = false
	defer p.cond.Broadcast()

	if err := p.openLocked(); err != nil {
		// nothing to hand out anymore
		p.disposed = true
		return errors.CombineErrors(restoreErr, errors.Wrap(err, "reopen engine after restore"))
	}
	return restoreErr
}

// awaitStatus runs op in its own goroutine and bridges the engine status protocol to the caller.
// Intermediate statuses are logged, a StatusFail ends the operation with a *BackupError.
// If ctx is done first, ctx.Err() is returned and op continues in the background.
func awaitStatus(ctx context.Context, name string, op func(status db.StatusFunc) error) error {
	done := make(chan error, 1)
	go func() {
		var failure *BackupError
		err := op(func(status db.Status, msg string) {
			switch status {
			case db.StatusFail:
				failure = &BackupError{Status: status, Msg: msg}
			case db.StatusComplete:
				log.Infof("%s: %s %s", name, status, msg)
			default:
				log.Debugf("%s: %s %s", name, status, msg)
			}
		})
		switch {
		case failure != nil:
			done <- failure
		case err != nil:
			done <- &BackupError{Status: db.StatusFail, Msg: err.Error()}
		default:
			done <- nil
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
