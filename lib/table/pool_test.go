package table

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/db/engines/memdb"
	"github.com/ValentinKolb/rTable/lib/db/engines/pebbledb"
	"github.com/cockroachdb/errors"
)

var drivers = []db.Driver{pebbledb.Driver(), memdb.Driver()}

func newTestPool(t *testing.T, driver db.Driver, max int) *Pool {
	t.Helper()
	p := NewPool(Options{
		Directory:  t.TempDir(),
		FileName:   "db.edb",
		Table:      "test",
		MaxHandles: max,
		Engine:     driver,
	})
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Dispose() })
	return p
}

func forEachDriver(t *testing.T, fn func(t *testing.T, driver db.Driver)) {
	for _, driver := range drivers {
		t.Run(string(driver.Impl), func(t *testing.T) {
			fn(t, driver)
		})
	}
}

func rangeKeys(t *testing.T, h *Handle, lower, upper []byte, max int) []string {
	t.Helper()
	c, err := h.Range(lower, upper, max)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	defer c.Close()
	var keys []string
	for c.Next() {
		keys = append(keys, string(c.Key()))
	}
	if err := c.Err(); err != nil {
		t.Fatalf("Cursor error: %v", err)
	}
	return keys
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

func TestHandleOperations(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver db.Driver) {
		p := newTestPool(t, driver, 1)
		err := p.With(func(h *Handle) error {
			if _, found, err := h.Get([]byte("a")); err != nil || found {
				t.Fatalf("Get of missing key = (%t, %v)", found, err)
			}
			if _, err := h.MustGet([]byte("a")); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("MustGet of missing key = %v, want ErrKeyNotFound", err)
			}
			if err := h.Set([]byte("a"), []byte("1")); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			if ok, _ := h.Contains([]byte("a")); !ok {
				t.Errorf("Contains should report true after Set")
			}
			if v, err := h.MustGet([]byte("a")); err != nil || string(v) != "1" {
				t.Errorf("MustGet = (%q, %v), want 1", v, err)
			}

			v, found, err := h.Remove([]byte("a"))
			if err != nil || !found || string(v) != "1" {
				t.Errorf("Remove = (%q, %t, %v), want (1, true)", v, found, err)
			}
			if _, found, _ := h.Remove([]byte("a")); found {
				t.Errorf("Second Remove should not find the key")
			}
			if _, err := h.MustRemove([]byte("a")); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("MustRemove of missing key = %v, want ErrKeyNotFound", err)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

func TestHandleRange(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver db.Driver) {
		p := newTestPool(t, driver, 1)
		h, err := p.Take()
		if err != nil {
			t.Fatal(err)
		}
		defer p.Return(h)

		for _, k := range []string{"e", "b", "d", "a", "c"} {
			if err := h.Set([]byte(k), []byte("v"+k)); err != nil {
				t.Fatal(err)
			}
		}

		tests := []struct {
			name         string
			lower, upper []byte
			max          int
			expected     []string
		}{
			{"All", nil, nil, 0, []string{"a", "b", "c", "d", "e"}},
			{"Inclusive bounds", []byte("b"), []byte("d"), 0, []string{"b", "c", "d"}},
			{"Lower only", []byte("d"), nil, 0, []string{"d", "e"}},
			{"Upper only", nil, []byte("b"), 0, []string{"a", "b"}},
			{"Max count", nil, nil, 2, []string{"a", "b"}},
			{"Inverted bounds", []byte("d"), []byte("b"), 0, nil},
			{"Same bound", []byte("c"), []byte("c"), 0, []string{"c"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got := rangeKeys(t, h, tt.lower, tt.upper, tt.max)
				if fmt.Sprint(got) != fmt.Sprint(tt.expected) {
					t.Errorf("Range = %v, want %v", got, tt.expected)
				}
			})
		}

		// keys that extend the upper bound are not part of an inclusive range
		if err := h.Set([]byte("dd"), []byte("x")); err != nil {
			t.Fatal(err)
		}
		if got := rangeKeys(t, h, []byte("b"), []byte("d"), 0); len(got) != 3 {
			t.Errorf("Range(b, d) = %v, want [b c d]", got)
		}
	})
}

func TestHandleClear(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver db.Driver) {
		p := newTestPool(t, driver, 1)
		_ = p.With(func(h *Handle) error {
			for i := 0; i < 10; i++ {
				_ = h.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
			}
			_ = h.Begin()
			n, err := h.Clear()
			if err != nil || n != 10 {
				t.Fatalf("Clear = (%d, %v), want 10", n, err)
			}
			_ = h.Commit()
			if got := rangeKeys(t, h, nil, nil, 0); len(got) != 0 {
				t.Errorf("Table should be empty after Clear, got %v", got)
			}
			return nil
		})

		// the schema record is not part of the table
		if _, err := p.Schema(); err != nil {
			t.Errorf("Schema lost after Clear: %v", err)
		}
	})
}

// --------------------------------------------------------------------------
// Pool
// --------------------------------------------------------------------------

func TestInitialize(t *testing.T) {
	p := newTestPool(t, memdb.Driver(), 2)
	if err := p.Initialize(); err != nil {
		t.Errorf("Second Initialize should be a no-op: %v", err)
	}
	schema, err := p.Schema()
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}
	if schema.Table != "test" || schema.Index != "+key" || len(schema.Columns) != 2 {
		t.Errorf("Unexpected schema %+v", schema)
	}

	uninitialized := NewPool(Options{Directory: t.TempDir(), FileName: "db", Table: "x", Engine: memdb.Driver()})
	if _, err := uninitialized.Take(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Take before Initialize = %v, want ErrNotInitialized", err)
	}
}

func TestPoolBound(t *testing.T) {
	const max = 2
	p := newTestPool(t, memdb.Driver(), max)

	var handles []*Handle
	for i := 0; i < max; i++ {
		h, err := p.Take()
		if err != nil {
			t.Fatalf("Take %d failed: %v", i, err)
		}
		handles = append(handles, h)
	}

	got := make(chan *Handle)
	go func() {
		h, err := p.Take()
		if err != nil {
			t.Errorf("Blocked Take failed: %v", err)
		}
		got <- h
	}()

	select {
	case <-got:
		t.Fatalf("Take should block while the pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}
	if s := p.Stats(); s.Created != max || s.Waiting != 1 {
		t.Errorf("Unexpected stats while exhausted: %+v", s)
	}

	p.Return(handles[0])
	select {
	case h := <-got:
		if h != handles[0] {
			t.Errorf("Expected the returned handle to be reused")
		}
		p.Return(h)
	case <-time.After(time.Second):
		t.Fatalf("Take did not unblock after Return")
	}
	p.Return(handles[1])

	if s := p.Stats(); s.Created != max || s.Idle != max {
		t.Errorf("Unexpected stats after returns: %+v", s)
	}
}

func TestReturnRollsBack(t *testing.T) {
	p := newTestPool(t, pebbledb.Driver(), 1)
	h, _ := p.Take()
	_ = h.Begin()
	_ = h.Set([]byte("k"), []byte("v"))
	p.Return(h)

	h, _ = p.Take()
	defer p.Return(h)
	if h.InTransaction() {
		t.Errorf("Returned handle should not be in a transaction")
	}
	if ok, _ := h.Contains([]byte("k")); ok {
		t.Errorf("Write of the open transaction should be rolled back")
	}
}

func TestDispose(t *testing.T) {
	p := newTestPool(t, memdb.Driver(), 1)
	h, _ := p.Take()

	taker := make(chan error)
	go func() {
		_, err := p.Take()
		taker <- err
	}()
	time.Sleep(20 * time.Millisecond)

	disposed := make(chan error)
	go func() { disposed <- p.Dispose() }()

	select {
	case err := <-taker:
		if !errors.Is(err, ErrPoolDisposed) {
			t.Errorf("Blocked Take = %v, want ErrPoolDisposed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Dispose did not wake the blocked taker")
	}

	select {
	case <-disposed:
		t.Fatalf("Dispose should wait for the borrowed handle")
	case <-time.After(20 * time.Millisecond):
	}
	p.Return(h)
	if err := <-disposed; err != nil {
		t.Errorf("Dispose failed: %v", err)
	}

	if _, err := p.Take(); !errors.Is(err, ErrPoolDisposed) {
		t.Errorf("Take after Dispose = %v, want ErrPoolDisposed", err)
	}
	if err := p.Dispose(); err != nil {
		t.Errorf("Second Dispose should be a no-op: %v", err)
	}
}

// --------------------------------------------------------------------------
// Backup & Restore
// --------------------------------------------------------------------------

func TestBackupRestore(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver db.Driver) {
		ctx := context.Background()

		for _, populated := range []bool{false, true} {
			t.Run(fmt.Sprintf("populated=%t", populated), func(t *testing.T) {
				p := newTestPool(t, driver, 2)
				if populated {
					_ = p.With(func(h *Handle) error {
						for i := 0; i < 25; i++ {
							_ = h.Set([]byte(fmt.Sprintf("key-%02d", i)), []byte(fmt.Sprintf("value-%02d", i)))
						}
						return nil
					})
				}
				var expected []string
				_ = p.With(func(h *Handle) error {
					expected = rangeKeys(t, h, nil, nil, 0)
					return nil
				})

				backupDir := filepath.Join(t.TempDir(), "backup")
				if err := p.Backup(ctx, backupDir); err != nil {
					t.Fatalf("Backup failed: %v", err)
				}

				restored := NewPool(Options{
					Directory: t.TempDir(),
					FileName:  "db.edb",
					Table:     "test",
					Engine:    driver,
				})
				if err := p.Restore(ctx, backupDir, restored.Path()); err != nil {
					t.Fatalf("Restore failed: %v", err)
				}
				if err := restored.Initialize(); err != nil {
					t.Fatalf("Initialize of restored pool failed: %v", err)
				}
				defer restored.Dispose()

				var got []string
				_ = restored.With(func(h *Handle) error {
					got = rangeKeys(t, h, nil, nil, 0)
					return nil
				})
				if fmt.Sprint(got) != fmt.Sprint(expected) {
					t.Errorf("Restored range = %v, want %v", got, expected)
				}
			})
		}
	})
}

func TestRestoreInPlace(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver db.Driver) {
		ctx := context.Background()
		p := newTestPool(t, driver, 2)
		_ = p.With(func(h *Handle) error { return h.Set([]byte("k"), []byte("before")) })

		backupDir := filepath.Join(t.TempDir(), "backup")
		if err := p.Backup(ctx, backupDir); err != nil {
			t.Fatalf("Backup failed: %v", err)
		}
		_ = p.With(func(h *Handle) error { return h.Set([]byte("k"), []byte("after")) })

		// a borrowed handle delays the restore until it is returned
		h, _ := p.Take()
		restored := make(chan error)
		go func() { restored <- p.Restore(ctx, backupDir, p.Path()) }()
		select {
		case err := <-restored:
			t.Fatalf("Restore should wait for borrowed handles, returned %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		p.Return(h)
		if err := <-restored; err != nil {
			t.Fatalf("Restore in place failed: %v", err)
		}

		_ = p.With(func(h *Handle) error {
			v, err := h.MustGet([]byte("k"))
			if err != nil || string(v) != "before" {
				t.Errorf("Value after restore = (%q, %v), want before", v, err)
			}
			return nil
		})
	})
}

func TestBackupFailure(t *testing.T) {
	p := newTestPool(t, memdb.Driver(), 1)

	// the destination must not exist
	err := p.Backup(context.Background(), t.TempDir())
	var backupErr *BackupError
	if !errors.As(err, &backupErr) {
		t.Fatalf("Backup into existing dir = %v, want *BackupError", err)
	}
	if backupErr.Status != db.StatusFail {
		t.Errorf("Status = %s, want Fail", backupErr.Status)
	}

	err = p.Restore(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "dst"))
	if !errors.As(err, &backupErr) {
		t.Errorf("Restore of empty dir = %v, want *BackupError", err)
	}
}
