package journal

import (
	"io"
	"sync"

	"github.com/ValentinKolb/rTable/lib/table"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Sending side
// --------------------------------------------------------------------------

// CopyStream emits the full table state as a sequence of serialized Set operations in
// ascending key order. It holds one handle of the pool until it is exhausted or closed.
// A stream that is still open when the journal is closed or restored is aborted, its
// Next then fails with ErrStreamAborted.
type CopyStream struct {
	id      int64
	onClose func(id int64)

	mu      sync.Mutex
	pool    *table.Pool
	handle  *table.Handle
	cursor  *table.Cursor
	seq     int64
	aborted error
}

// ErrStreamAborted is returned by CopyStream.Next after the journal aborted the stream.
var ErrStreamAborted = errors.New("copy stream aborted")

// errRestored is the reason of streams aborted by an in-place restore.
var errRestored = errors.New("journal restored")

// NewCopyStream starts a scan over the whole table.
func (j *Journal[K, V]) NewCopyStream() (*CopyStream, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	h, err := j.pool.Take()
	if err != nil {
		return nil, err
	}
	if err := h.Begin(); err != nil {
		j.pool.Return(h)
		return nil, err
	}
	c, err := h.Range(nil, nil, 0)
	if err != nil {
		_ = h.Rollback()
		j.pool.Return(h)
		return nil, err
	}

	s := &CopyStream{
		id:      j.streamID.Add(1),
		onClose: func(id int64) { j.streams.Delete(id) },
		pool:    j.pool,
		handle:  h,
		cursor:  c,
	}
	j.streams.Store(s.id, s)
	if j.closed.Load() {
		// Close may have aborted the open streams before s was added
		s.abort(ErrClosed)
		return nil, ErrClosed
	}
	log.Debugf("journal %s: copy stream %d started", j.name, s.id)
	return s, nil
}

// closeStreams aborts every open copy stream and returns their handles.
func (j *Journal[K, V]) closeStreams(reason error) {
	j.streams.Range(func(id int64, s *CopyStream) bool {
		log.Warningf("journal %s: aborting open copy stream %d: %v", j.name, id, reason)
		s.abort(reason)
		return true
	})
}

// Next returns the next row as serialized Set operation. At the end of the table it
// returns io.EOF and gives the handle back to the pool.
func (s *CopyStream) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted != nil {
		return nil, s.aborted
	}
	if s.handle == nil {
		return nil, io.EOF
	}
	if !s.cursor.Next() {
		err := s.cursor.Err()
		if cerr := s.closeLocked(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, errors.Wrap(err, "copy stream")
		}
		return nil, io.EOF
	}
	s.seq++
	op := SetOp(s.seq, s.cursor.Key(), s.cursor.Value())
	return op.Serialize(), nil
}

// Count returns the number of rows emitted so far.
func (s *CopyStream) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close ends the scan and returns the handle. It is safe to call Close more than once.
func (s *CopyStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

// abort closes the stream on behalf of the journal. Later calls to Next fail.
func (s *CopyStream) abort(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return
	}
	if err := s.closeLocked(); err != nil {
		log.Warningf("closing aborted copy stream %d: %v", s.id, err)
	}
	s.aborted = errors.Mark(errors.Wrap(reason, "copy stream aborted"), ErrStreamAborted)
}

func (s *CopyStream) closeLocked() error {
	if s.handle == nil {
		return nil
	}
	err := s.cursor.Close()
	if cerr := s.handle.Commit(); err == nil {
		err = cerr
	}
	s.pool.Return(s.handle)
	s.handle = nil
	s.onClose(s.id)
	return err
}

// --------------------------------------------------------------------------
// Receiving side
// --------------------------------------------------------------------------

// BeginCopy prepares the journal to receive a copy stream: it takes a handle, begins a
// storage transaction and clears the table. A copy that is still in progress is discarded.
func (j *Journal[K, V]) BeginCopy() error {
	if j.closed.Load() {
		return ErrClosed
	}
	j.copyMu.Lock()
	defer j.copyMu.Unlock()

	if j.discardCopyLocked() {
		log.Warningf("journal %s: discarding unfinished copy", j.name)
	}

	h, err := j.pool.Take()
	if err != nil {
		return err
	}
	if err := h.Begin(); err != nil {
		j.pool.Return(h)
		return err
	}
	n, err := h.Clear()
	if err != nil {
		j.pool.Return(h)
		return errors.Wrap(err, "clear table")
	}
	log.Debugf("journal %s: copy started, %d row(s) cleared", j.name, n)
	j.copyHandle = h
	return nil
}

// discardCopy drops an unfinished received copy and reports whether there was one.
func (j *Journal[K, V]) discardCopy() bool {
	j.copyMu.Lock()
	defer j.copyMu.Unlock()
	return j.discardCopyLocked()
}

func (j *Journal[K, V]) discardCopyLocked() bool {
	if j.copyHandle == nil {
		return false
	}
	j.pool.Return(j.copyHandle)
	j.copyHandle = nil
	return true
}

// ApplyCopy applies one chunk of a copy stream.
func (j *Journal[K, V]) ApplyCopy(chunk []byte) error {
	op, err := Deserialize(chunk)
	if err != nil {
		return err
	}

	j.copyMu.Lock()
	defer j.copyMu.Unlock()
	if j.copyHandle == nil {
		return errors.New("no copy in progress")
	}
	_, err = op.Apply(j.copyHandle)
	return err
}

// EndCopy commits the received state.
func (j *Journal[K, V]) EndCopy() error {
	j.copyMu.Lock()
	defer j.copyMu.Unlock()
	if j.copyHandle == nil {
		return errors.New("no copy in progress")
	}
	h := j.copyHandle
	j.copyHandle = nil
	defer j.pool.Return(h)
	if err := h.Commit(); err != nil {
		return conflict(errors.Wrap(err, "commit copy"))
	}
	log.Debugf("journal %s: copy completed", j.name)
	return nil
}
