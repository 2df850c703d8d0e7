package memdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/db/util"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("db")

const (
	// SnapshotFile is the name of the file holding the engine contents inside its directory.
	SnapshotFile = "snapshot"

	btreeDegree   = 32
	iterBatchSize = 64
)

// --------------------------------------------------------------------------
// Driver
// --------------------------------------------------------------------------

// Driver returns the db.Driver for the in-memory B-tree engine.
func Driver() db.Driver {
	return db.Driver{
		Impl:    db.ImplMemory,
		Open:    Open,
		Restore: Restore,
	}
}

// Open creates an in-memory engine bound to dir. If dir contains a snapshot file
// (written by Flush, Close or Checkpoint) it is loaded. An empty dir disables persistence.
func Open(dir string) (db.Engine, error) {
	e := &engine{
		dir:      dir,
		tree:     newTree(),
		versions: make(map[string]uint64),
	}
	if dir == "" {
		return e, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create engine directory %s", dir)
	}
	n, err := loadSnapshot(filepath.Join(dir, SnapshotFile), e.tree)
	if err != nil {
		return nil, err
	}
	log.Debugf("opened memory engine in %s (%d entries)", dir, n)
	return e, nil
}

// Restore copies the snapshot of the checkpoint in src into dst.
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

	snap := filepath.Join(src, SnapshotFile)
	if _, err := os.Stat(snap); err != nil {
		return errors.Wrapf(err, "%s does not contain a snapshot", src)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if err := util.CopyFile(snap, filepath.Join(dst, SnapshotFile)); err != nil {
		return errors.Wrap(err, "copy snapshot")
	}
	status(db.StatusRecoveryStep, SnapshotFile)
	return nil
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

type item struct {
	key   []byte
	value []byte
}

func newTree() *btree.BTreeG[item] {
	return btree.NewG(btreeDegree, func(a, b item) bool {
		return bytes.Compare(a.key, b.key) < 0
	})
}

// engine keeps all committed data in a copy-on-write B-tree.
// Transactions work on a private clone and are validated optimistically on commit:
// if any written key was committed by someone else after Begin, the commit fails with db.ErrConflict.
type engine struct {
	dir string

	mu       sync.Mutex
	tree     *btree.BTreeG[item]
	versions map[string]uint64 // key -> sequence of the last commit that wrote it
	seq      uint64
	closed   bool
}

func (e *engine) NewSession() (db.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, db.ErrClosed
	}
	return &session{e: e}, nil
}

// snapshot returns a read-only clone of the committed tree and the current commit sequence.
func (e *engine) snapshot() (*btree.BTreeG[item], uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, 0, db.ErrClosed
	}
	return e.tree.Clone(), e.seq, nil
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

	if _, err := os.Stat(destDir); err == nil {
		return errors.Newf("checkpoint directory %s already exists", destDir)
	}
	tree, _, err := e.snapshot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", destDir)
	}
	n, err := writeSnapshot(filepath.Join(destDir, SnapshotFile), tree)
	if err != nil {
		return err
	}
	status(db.StatusRecoveryStep, fmt.Sprintf("%d entries", n))
	return nil
}

func (e *engine) Flush() error {
	if e.dir == "" {
		return nil
	}
	tree, _, err := e.snapshot()
	if err != nil {
		return err
	}
	_, err = writeSnapshot(filepath.Join(e.dir, SnapshotFile), tree)
	return err
}

func (e *engine) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureTransactions | db.FeatureRangeScan | db.FeatureCheckpoint | db.FeatureRestore | db.FeatureConflictDetection
	return feature&supported == feature
}

func (e *engine) GetInfo() db.DatabaseInfo {
	e.mu.Lock()
	size := 0
	values := util.NewSizeHistogram()
	e.tree.Ascend(func(i item) bool {
		size += len(i.key) + len(i.value)
		values.AddSample(len(i.value))
		return true
	})
	count := e.tree.Len()
	e.mu.Unlock()

	return db.DatabaseInfo{
		SizeBytes: size,
		DbType:    db.ImplMemory,
		SupportedFeatures: []db.Feature{
			db.FeatureTransactions,
			db.FeatureRangeScan,
			db.FeatureCheckpoint,
			db.FeatureRestore,
			db.FeatureConflictDetection,
		},
		Metadata: map[string]interface{}{
			"entries":     count,
			"value_sizes": values.Summary(),
		},
	}
}

func (e *engine) Close() error {
	if err := e.Flush(); err != nil && !errors.Is(err, db.ErrClosed) {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// commit validates and applies the write set of a transaction.
func (e *engine) commit(tx *txState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return db.ErrClosed
	}
	for k := range tx.writes {
		if e.versions[k] > tx.startSeq {
			return errors.Wrapf(db.ErrConflict, "key %q", k)
		}
	}
	e.seq++
	for k := range tx.writes {
		if it, ok := tx.tree.Get(item{key: []byte(k)}); ok {
			e.tree.ReplaceOrInsert(it)
		} else {
			e.tree.Delete(item{key: []byte(k)})
		}
		e.versions[k] = e.seq
	}
	return nil
}

// write applies a single autocommit write.
func (e *engine) write(key, value []byte, del bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return db.ErrClosed
	}
	e.seq++
	if del {
		e.tree.Delete(item{key: key})
	} else {
		e.tree.ReplaceOrInsert(item{key: clone(key), value: clone(value)})
	}
	e.versions[string(key)] = e.seq
	return nil
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

type txState struct {
	tree     *btree.BTreeG[item]
	startSeq uint64
	writes   map[string]struct{}
}

type session struct {
	e      *engine
	tx     *txState
	closed bool
}

func (s *session) Begin() error {
	if s.closed {
		return db.ErrClosed
	}
	if s.tx != nil {
		return db.ErrTransactionInProgress
	}
	tree, seq, err := s.e.snapshot()
	if err != nil {
		return err
	}
	s.tx = &txState{tree: tree, startSeq: seq, writes: make(map[string]struct{})}
	return nil
}

func (s *session) Commit() error {
	if s.tx == nil {
		return db.ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	if len(tx.writes) == 0 {
		return nil
	}
	return s.e.commit(tx)
}

func (s *session) Rollback() error {
	if s.tx == nil {
		return db.ErrNoTransaction
	}
	s.tx = nil
	return nil
}

func (s *session) InTransaction() bool {
	return s.tx != nil
}

func (s *session) Get(key []byte) ([]byte, bool, error) {
	if s.closed {
		return nil, false, db.ErrClosed
	}
	var (
		it item
		ok bool
	)
	if s.tx != nil {
		it, ok = s.tx.tree.Get(item{key: key})
	} else {
		s.e.mu.Lock()
		if s.e.closed {
			s.e.mu.Unlock()
			return nil, false, db.ErrClosed
		}
		it, ok = s.e.tree.Get(item{key: key})
		s.e.mu.Unlock()
	}
	if !ok {
		return nil, false, nil
	}
	return clone(it.value), true, nil
}

func (s *session) Set(key, value []byte) error {
	if s.closed {
		return db.ErrClosed
	}
	if s.tx == nil {
		return s.e.write(key, value, false)
	}
	s.tx.tree.ReplaceOrInsert(item{key: clone(key), value: clone(value)})
	s.tx.writes[string(key)] = struct{}{}
	return nil
}

func (s *session) Delete(key []byte) error {
	if s.closed {
		return db.ErrClosed
	}
	if s.tx == nil {
		return s.e.write(key, nil, true)
	}
	s.tx.tree.Delete(item{key: key})
	s.tx.writes[string(key)] = struct{}{}
	return nil
}

func (s *session) Iterate(lower, upper []byte) (db.Iterator, error) {
	if s.closed {
		return nil, db.ErrClosed
	}
	var tree *btree.BTreeG[item]
	if s.tx != nil {
		tree = s.tx.tree
	} else {
		snap, _, err := s.e.snapshot()
		if err != nil {
			return nil, err
		}
		tree = snap
	}
	return &iterator{tree: tree, pivot: clone(lower), upper: clone(upper)}, nil
}

func (s *session) Close() error {
	s.closed = true
	s.tx = nil
	return nil
}

// --------------------------------------------------------------------------
// Iterator
// --------------------------------------------------------------------------

// iterator walks the tree in batches so that no goroutine is needed to turn
// the callback based btree traversal into a pull based cursor.
type iterator struct {
	tree  *btree.BTreeG[item]
	pivot []byte // inclusive start of the next batch, nil means the first key
	upper []byte
	buf   []item
	pos   int
	done  bool
	cur   item
}

func (i *iterator) fill() {
	i.buf = i.buf[:0]
	i.pos = 0
	visit := func(it item) bool {
		if i.upper != nil && bytes.Compare(it.key, i.upper) >= 0 {
			i.done = true
			return false
		}
		i.buf = append(i.buf, it)
		return len(i.buf) < iterBatchSize
	}
	if i.pivot == nil {
		i.tree.Ascend(visit)
	} else {
		i.tree.AscendGreaterOrEqual(item{key: i.pivot}, visit)
	}
	if len(i.buf) < iterBatchSize {
		i.done = true
	} else {
		i.pivot = db.UpperBoundExclusive(i.buf[len(i.buf)-1].key)
	}
}

func (i *iterator) Next() bool {
	if i.tree == nil {
		return false
	}
	if i.pos >= len(i.buf) {
		if i.done {
			return false
		}
		i.fill()
		if len(i.buf) == 0 {
			return false
		}
	}
	i.cur = i.buf[i.pos]
	i.pos++
	return true
}

func (i *iterator) Key() []byte   { return i.cur.key }
func (i *iterator) Value() []byte { return i.cur.value }
func (i *iterator) Err() error    { return nil }

func (i *iterator) Close() error {
	i.tree = nil
	i.buf = nil
	return nil
}

// --------------------------------------------------------------------------
// Snapshot File
// --------------------------------------------------------------------------

// writeSnapshot writes all entries as [uint32 klen][key][uint32 vlen][value] records.
// The file is written to a temporary name first and renamed into place.
func writeSnapshot(path string, tree *btree.BTreeG[item]) (int, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s", tmp)
	}
	w := bufio.NewWriter(f)
	n := 0
	var werr error
	var lenBuf [4]byte
	writeField := func(b []byte) {
		if werr != nil {
			return
		}
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		if _, werr = w.Write(lenBuf[:]); werr == nil {
			_, werr = w.Write(b)
		}
	}
	tree.Ascend(func(it item) bool {
		writeField(it.key)
		writeField(it.value)
		n++
		return werr == nil
	})
	if werr == nil {
		werr = w.Flush()
	}
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return 0, errors.Wrapf(werr, "write snapshot %s", path)
	}
	return n, errors.Wrap(os.Rename(tmp, path), "rename snapshot")
}

// loadSnapshot loads the snapshot at path into tree. A missing file is not an error.
func loadSnapshot(path string, tree *btree.BTreeG[item]) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "open snapshot %s", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	readField := func() ([]byte, error) {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		b := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		_, err := io.ReadFull(r, b)
		return b, err
	}

	n := 0
	for {
		key, err := readField()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrapf(err, "read snapshot %s", path)
		}
		value, err := readField()
		if err != nil {
			return n, errors.Wrapf(err, "read snapshot %s: truncated entry", path)
		}
		tree.ReplaceOrInsert(item{key: key, value: value})
		n++
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func orNop(status db.StatusFunc) db.StatusFunc {
	if status == nil {
		return func(db.Status, string) {}
	}
	return status
}
