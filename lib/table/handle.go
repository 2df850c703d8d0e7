package table

import (
	"bytes"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/cockroachdb/errors"
)

// Handle is one exclusive session on the table of a pool.
// Keys passed to a handle are table keys, the table prefix is added and stripped internally.
// A handle must only be used by the goroutine that took it from the pool.
type Handle struct {
	id       int
	session  db.Session
	table    string
	prefix   []byte
	borrowed bool
}

// ID returns the pool-local id of the handle (for logging).
func (h *Handle) ID() int { return h.id }

// Table returns the name of the table the handle is bound to.
func (h *Handle) Table() string { return h.table }

func (h *Handle) rawKey(key []byte) []byte {
	raw := make([]byte, 0, len(h.prefix)+len(key))
	raw = append(raw, h.prefix...)
	return append(raw, key...)
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

func (h *Handle) Begin() error        { return h.session.Begin() }
func (h *Handle) Commit() error       { return h.session.Commit() }
func (h *Handle) Rollback() error     { return h.session.Rollback() }
func (h *Handle) InTransaction() bool { return h.session.InTransaction() }

// --------------------------------------------------------------------------
// Point Operations
// --------------------------------------------------------------------------

// Get returns the value of key. A missing key is reported as (nil, false, nil).
func (h *Handle) Get(key []byte) ([]byte, bool, error) {
	return h.session.Get(h.rawKey(key))
}

// MustGet is like Get but returns ErrKeyNotFound if the key does not exist.
func (h *Handle) MustGet(key []byte) ([]byte, error) {
	value, found, err := h.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrKeyNotFound, "%q", key)
	}
	return value, nil
}

// Set inserts or replaces the value of key.
func (h *Handle) Set(key, value []byte) error {
	return h.session.Set(h.rawKey(key), value)
}

// Remove deletes key and returns the value it had.
func (h *Handle) Remove(key []byte) ([]byte, bool, error) {
	raw := h.rawKey(key)
	value, found, err := h.session.Get(raw)
	if err != nil || !found {
		return nil, false, err
	}
	if err := h.session.Delete(raw); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// MustRemove is like Remove but returns ErrKeyNotFound if the key does not exist.
func (h *Handle) MustRemove(key []byte) ([]byte, error) {
	value, found, err := h.Remove(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrKeyNotFound, "%q", key)
	}
	return value, nil
}

func (h *Handle) Contains(key []byte) (bool, error) {
	_, found, err := h.Get(key)
	return found, err
}

// Clear removes every row of the table and returns the number of removed rows.
func (h *Handle) Clear() (int, error) {
	it, err := h.session.Iterate(h.prefix, db.PrefixEnd(h.prefix))
	if err != nil {
		return 0, err
	}
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Err(); err != nil {
		_ = it.Close()
		return 0, err
	}
	if err := it.Close(); err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := h.session.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// --------------------------------------------------------------------------
// Range Scans
// --------------------------------------------------------------------------

// Range returns a cursor over all rows with lower <= key <= upper in ascending key order.
// A nil bound is unbounded, maxCount <= 0 means no limit. Every call starts a fresh scan.
// The cursor is invalid once the surrounding transaction ends.
func (h *Handle) Range(lower, upper []byte, maxCount int) (*Cursor, error) {
	if lower != nil && upper != nil && bytes.Compare(lower, upper) > 0 {
		return &Cursor{}, nil
	}

	start := h.prefix
	if lower != nil {
		start = h.rawKey(lower)
	}
	end := db.PrefixEnd(h.prefix)
	if upper != nil {
		end = db.UpperBoundExclusive(h.rawKey(upper))
	}

	it, err := h.session.Iterate(start, end)
	if err != nil {
		return nil, err
	}
	return &Cursor{it: it, prefixLen: len(h.prefix), max: maxCount}, nil
}

// Cursor is a forward-only, single pass sequence of rows.
//
//	c, _ := h.Range(nil, nil, 0)
//	defer c.Close()
//	for c.Next() { ... c.Key(), c.Value() ... }
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	it        db.Iterator
	prefixLen int
	max       int
	n         int
}

func (c *Cursor) Next() bool {
	if c.it == nil || (c.max > 0 && c.n >= c.max) {
		return false
	}
	if !c.it.Next() {
		return false
	}
	c.n++
	return true
}

// Key returns the table key of the current row. It is only valid until the next call to Next.
func (c *Cursor) Key() []byte { return c.it.Key()[c.prefixLen:] }

// Value returns the value of the current row. It is only valid until the next call to Next.
func (c *Cursor) Value() []byte { return c.it.Value() }

func (c *Cursor) Err() error {
	if c.it == nil {
		return nil
	}
	return c.it.Err()
}

func (c *Cursor) Close() error {
	if c.it == nil {
		return nil
	}
	it := c.it
	c.it = nil
	return it.Close()
}
