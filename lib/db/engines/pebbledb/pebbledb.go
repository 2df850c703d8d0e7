package pebbledb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/db/util"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("db")

// --------------------------------------------------------------------------
// Driver
// --------------------------------------------------------------------------

// Driver returns the db.Driver for the pebble engine.
func Driver() db.Driver {
	return db.Driver{
		Impl:    db.ImplPebble,
		Open:    Open,
		Restore: Restore,
	}
}

// Open opens the pebble database stored in dir. The directory is created if it does not exist.
func Open(dir string) (db.Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create engine directory %s", dir)
	}
	pdb, err := pebble.Open(dir, &pebble.Options{Logger: pebbleLogger{}})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble engine in %s", dir)
	}
	log.Debugf("opened pebble engine in %s", dir)
	return &engine{dir: dir, db: pdb}, nil
}

// Restore replaces the pebble data in dst with the checkpoint in src.
func Restore(src, dst string, status db.StatusFunc) (err error) {
	status = orNop(status)
	status(db.StatusBegin, fmt.Sprintf("restore %s -> %s", src, dst))
	defer func() {
		if err != nil {
			status(db.StatusFail, err.Error())
		} else {
			status(db.StatusComplete, dst)
		}
	}()

	manifests, err := filepath.Glob(filepath.Join(src, "MANIFEST-*"))
	if err != nil {
		return errors.Wrap(err, "inspect checkpoint")
	}
	if len(manifests) == 0 {
		return errors.Newf("%s does not contain a pebble checkpoint", src)
	}
	if err := os.RemoveAll(dst); err != nil {
		return errors.Wrapf(err, "clear %s", dst)
	}
	return util.CopyDir(src, dst, func(rel string) {
		status(db.StatusRecoveryStep, rel)
	})
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

type engine struct {
	dir    string
	db     *pebble.DB
	closed atomic.Bool
}

func (e *engine) NewSession() (db.Session, error) {
	if e.closed.Load() {
		return nil, db.ErrClosed
	}
	return &session{e: e}, nil
}

func (e *engine) Checkpoint(destDir string, status db.StatusFunc) (err error) {
	status = orNop(status)
	status(db.StatusBegin, destDir)
	defer func() {
		if err != nil {
			status(db.StatusFail, err.Error())
		} else {
			status(db.StatusComplete, destDir)
		}
	}()

	if e.closed.Load() {
		return db.ErrClosed
	}
	if _, err := os.Stat(destDir); err == nil {
		return errors.Newf("checkpoint directory %s already exists", destDir)
	}
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return errors.Wrapf(err, "create parent of %s", destDir)
	}
	if err := e.db.Checkpoint(destDir); err != nil {
		return errors.Wrapf(err, "checkpoint into %s", destDir)
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		return errors.Wrapf(err, "read checkpoint %s", destDir)
	}
	for _, entry := range entries {
		status(db.StatusRecoveryStep, entry.Name())
	}
	return nil
}

func (e *engine) Flush() error {
	if e.closed.Load() {
		return db.ErrClosed
	}
	return e.db.Flush()
}

func (e *engine) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureTransactions | db.FeatureRangeScan | db.FeatureCheckpoint | db.FeatureRestore | db.FeatureDurable
	return feature&supported == feature
}

func (e *engine) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType: db.ImplPebble,
		SupportedFeatures: []db.Feature{
			db.FeatureTransactions,
			db.FeatureRangeScan,
			db.FeatureCheckpoint,
			db.FeatureRestore,
			db.FeatureDurable,
		},
		Metadata: map[string]string{"dir": e.dir},
	}
	if !e.closed.Load() {
		info.SizeBytes = int(e.db.Metrics().DiskSpaceUsage())
	}
	return info
}

func (e *engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Debugf("closing pebble engine in %s", e.dir)
	return e.db.Close()
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// session maps a storage transaction onto an indexed pebble batch.
// Commit applies the batch, Rollback discards it.
type session struct {
	e      *engine
	batch  *pebble.Batch
	closed bool
}

func (s *session) check() error {
	if s.closed || s.e.closed.Load() {
		return db.ErrClosed
	}
	return nil
}

func (s *session) Begin() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.batch != nil {
		return db.ErrTransactionInProgress
	}
	s.batch = s.e.db.NewIndexedBatch()
	return nil
}

func (s *session) Commit() error {
	if s.batch == nil {
		return db.ErrNoTransaction
	}
	b := s.batch
	s.batch = nil
	if err := s.check(); err != nil {
		_ = b.Close()
		return err
	}
	err := b.Commit(pebble.Sync)
	if cerr := b.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "commit batch")
}

func (s *session) Rollback() error {
	if s.batch == nil {
		return db.ErrNoTransaction
	}
	b := s.batch
	s.batch = nil
	return b.Close()
}

func (s *session) InTransaction() bool {
	return s.batch != nil
}

func (s *session) Get(key []byte) ([]byte, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	var (
		val    []byte
		closer io.Closer
		err    error
	)
	if s.batch != nil {
		val, closer, err = s.batch.Get(key)
	} else {
		val, closer, err = s.e.db.Get(key)
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, closer.Close()
}

func (s *session) Set(key, value []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.batch != nil {
		return s.batch.Set(key, value, nil)
	}
	return s.e.db.Set(key, value, pebble.Sync)
}

func (s *session) Delete(key []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.batch != nil {
		return s.batch.Delete(key, nil)
	}
	return s.e.db.Delete(key, pebble.Sync)
}

func (s *session) Iterate(lower, upper []byte) (db.Iterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	opts := &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
	if s.batch != nil {
		return &iterator{it: s.batch.NewIter(opts)}, nil
	}
	return &iterator{it: s.e.db.NewIter(opts)}, nil
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.batch != nil {
		b := s.batch
		s.batch = nil
		return b.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Iterator
// --------------------------------------------------------------------------

type iterator struct {
	it      *pebble.Iterator
	started bool
}

func (i *iterator) Next() bool {
	if !i.started {
		i.started = true
		return i.it.First()
	}
	return i.it.Next()
}

func (i *iterator) Key() []byte   { return i.it.Key() }
func (i *iterator) Value() []byte { return i.it.Value() }
func (i *iterator) Err() error    { return i.it.Error() }
func (i *iterator) Close() error  { return i.it.Close() }

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// pebbleLogger routes pebble's internal logging into the "db" logger.
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{})  { log.Debugf(format, args...) }
func (pebbleLogger) Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func (pebbleLogger) Fatalf(format string, args ...interface{}) { log.Panicf(format, args...) }

func orNop(status db.StatusFunc) db.StatusFunc {
	if status == nil {
		return func(db.Status, string) {}
	}
	return status
}
