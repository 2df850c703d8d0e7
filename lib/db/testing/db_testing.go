package testing

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/cockroachdb/errors"
)

// RunEngineTests runs a comprehensive test suite for a storage engine driver.
// Every subtest opens a fresh engine in its own temporary directory.
func RunEngineTests(t *testing.T, name string, driver db.Driver) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, open(t, driver))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, open(t, driver))
		})

		t.Run("Commit", func(t *testing.T) {
			testCommit(t, open(t, driver))
		})

		t.Run("Rollback", func(t *testing.T) {
			testRollback(t, open(t, driver))
		})

		t.Run("TransactionState", func(t *testing.T) {
			testTransactionState(t, open(t, driver))
		})

		t.Run("RangeScan", func(t *testing.T) {
			testRangeScan(t, open(t, driver))
		})

		t.Run("RangeScanInTransaction", func(t *testing.T) {
			testRangeScanInTransaction(t, open(t, driver))
		})

		t.Run("Conflict", func(t *testing.T) {
			testConflict(t, open(t, driver))
		})

		t.Run("ConcurrentSessions", func(t *testing.T) {
			testConcurrentSessions(t, open(t, driver))
		})

		t.Run("Reopen", func(t *testing.T) {
			testReopen(t, driver)
		})

		t.Run("CheckpointRestore", func(t *testing.T) {
			testCheckpointRestore(t, driver)
		})

		t.Run("CheckpointExistingDir", func(t *testing.T) {
			testCheckpointExistingDir(t, open(t, driver))
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, driver)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// open opens a new engine in a temporary directory which is closed when the test ends.
func open(t testing.TB, driver db.Driver) db.Engine {
	t.Helper()
	engine, err := driver.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func newSession(t testing.TB, engine db.Engine) db.Session {
	t.Helper()
	s, err := engine.NewSession()
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Checks if the engine supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, engine db.Engine, feature db.Feature) {
	if !engine.SupportsFeature(feature) {
		t.Skip()
	}
}

func mustSet(t testing.TB, s db.Session, key, value string) {
	t.Helper()
	if err := s.Set([]byte(key), []byte(value)); err != nil {
		t.Fatalf("Set(%s) failed: %v", key, err)
	}
}

func expectValue(t testing.TB, s db.Session, key, want string) {
	t.Helper()
	got, found, err := s.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	if !found {
		t.Fatalf("Expected key %s to exist", key)
	}
	if string(got) != want {
		t.Errorf("Get(%s) = %q, want %q", key, got, want)
	}
}

func expectMissing(t testing.TB, s db.Session, key string) {
	t.Helper()
	_, found, err := s.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	if found {
		t.Errorf("Expected key %s to not exist", key)
	}
}

// collect drains an iterator into a list of "key=value" strings.
func collect(t testing.TB, s db.Session, lower, upper []byte) []string {
	t.Helper()
	it, err := s.Iterate(lower, upper)
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	defer it.Close()

	var out []string
	for it.Next() {
		out = append(out, fmt.Sprintf("%s=%s", it.Key(), it.Value()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Iterator error: %v", err)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, engine db.Engine) {
	s := newSession(t, engine)

	mustSet(t, s, "test-key", "test-value1")
	expectValue(t, s, "test-key", "test-value1")

	mustSet(t, s, "test-key", "test-value2")
	expectValue(t, s, "test-key", "test-value2")

	expectMissing(t, s, "nonexistent-key")

	retrieved, _, _ := s.Get([]byte("test-key"))
	retrieved[0] = 'X'
	original, _, _ := s.Get([]byte("test-key"))
	if bytes.Equal(retrieved, original) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	if err := s.Set([]byte("empty"), []byte{}); err != nil {
		t.Fatalf("Set with empty value failed: %v", err)
	}
	val, found, err := s.Get([]byte("empty"))
	if err != nil || !found || len(val) != 0 {
		t.Errorf("Expected empty value to be stored, got %q (found=%t, err=%v)", val, found, err)
	}
}

func testDelete(t *testing.T, engine db.Engine) {
	s := newSession(t, engine)

	mustSet(t, s, "delete-test-key", "delete-test-value")
	expectValue(t, s, "delete-test-key", "delete-test-value")

	if err := s.Delete([]byte("delete-test-key")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	expectMissing(t, s, "delete-test-key")

	if err := s.Delete([]byte("nonexistent-key")); err != nil {
		t.Errorf("Deleting a nonexistent key should not fail: %v", err)
	}
}

func testCommit(t *testing.T, engine db.Engine) {
	writer := newSession(t, engine)
	reader := newSession(t, engine)

	if err := writer.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	mustSet(t, writer, "tx-key", "tx-value")

	// the writer sees its own write, the reader does not
	expectValue(t, writer, "tx-key", "tx-value")
	expectMissing(t, reader, "tx-key")

	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	expectValue(t, reader, "tx-key", "tx-value")
}

func testRollback(t *testing.T, engine db.Engine) {
	s := newSession(t, engine)
	mustSet(t, s, "keep", "v0")

	if err := s.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	mustSet(t, s, "keep", "v1")
	mustSet(t, s, "new", "v1")
	if err := s.Delete([]byte("keep")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	expectMissing(t, s, "keep")

	if err := s.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	expectValue(t, s, "keep", "v0")
	expectMissing(t, s, "new")
}

func testTransactionState(t *testing.T, engine db.Engine) {
	requireFeature(t, engine, db.FeatureTransactions)
	s := newSession(t, engine)

	if s.InTransaction() {
		t.Errorf("New session should not be in a transaction")
	}
	if err := s.Commit(); !errors.Is(err, db.ErrNoTransaction) {
		t.Errorf("Commit without Begin = %v, want ErrNoTransaction", err)
	}
	if err := s.Rollback(); !errors.Is(err, db.ErrNoTransaction) {
		t.Errorf("Rollback without Begin = %v, want ErrNoTransaction", err)
	}
	if err := s.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if !s.InTransaction() {
		t.Errorf("Session should be in a transaction after Begin")
	}
	if err := s.Begin(); !errors.Is(err, db.ErrTransactionInProgress) {
		t.Errorf("Nested Begin = %v, want ErrTransactionInProgress", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit of empty transaction failed: %v", err)
	}
	if s.InTransaction() {
		t.Errorf("Session should not be in a transaction after Commit")
	}
}

func testRangeScan(t *testing.T, engine db.Engine) {
	requireFeature(t, engine, db.FeatureRangeScan)
	s := newSession(t, engine)

	// insert in random order
	for _, k := range []string{"d", "a", "c", "e", "b"} {
		mustSet(t, s, k, "v"+k)
	}

	tests := []struct {
		name         string
		lower, upper []byte
		expected     []string
	}{
		{"Unbounded", nil, nil, []string{"a=va", "b=vb", "c=vc", "d=vd", "e=ve"}},
		{"Lower", []byte("c"), nil, []string{"c=vc", "d=vd", "e=ve"}},
		{"Upper exclusive", nil, []byte("c"), []string{"a=va", "b=vb"}},
		{"Both", []byte("b"), []byte("e"), []string{"b=vb", "c=vc", "d=vd"}},
		{"Empty", []byte("x"), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, s, tt.lower, tt.upper)
			if !equalStrings(got, tt.expected) {
				t.Errorf("Iterate(%q, %q) = %v, want %v", tt.lower, tt.upper, got, tt.expected)
			}
		})
	}

	// more entries than one internal batch
	for i := 0; i < 300; i++ {
		mustSet(t, s, fmt.Sprintf("many-%04d", i), "x")
	}
	got := collect(t, s, []byte("many-"), []byte("many."))
	if len(got) != 300 {
		t.Fatalf("Expected 300 entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("Keys not in ascending order: %s >= %s", got[i-1], got[i])
		}
	}
}

func testRangeScanInTransaction(t *testing.T, engine db.Engine) {
	requireFeature(t, engine, db.FeatureRangeScan|db.FeatureTransactions)
	s := newSession(t, engine)
	mustSet(t, s, "a", "1")
	mustSet(t, s, "c", "3")

	if err := s.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	mustSet(t, s, "b", "2")
	if err := s.Delete([]byte("c")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got := collect(t, s, nil, nil)
	expected := []string{"a=1", "b=2"}
	if !equalStrings(got, expected) {
		t.Errorf("Iterate in transaction = %v, want %v", got, expected)
	}
	if err := s.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	got = collect(t, s, nil, nil)
	expected = []string{"a=1", "c=3"}
	if !equalStrings(got, expected) {
		t.Errorf("Iterate after rollback = %v, want %v", got, expected)
	}
}

func testConflict(t *testing.T, engine db.Engine) {
	requireFeature(t, engine, db.FeatureConflictDetection)
	s1 := newSession(t, engine)
	s2 := newSession(t, engine)

	if err := s1.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := s2.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	mustSet(t, s1, "row", "s1")
	mustSet(t, s2, "row", "s2")

	if err := s1.Commit(); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}
	if err := s2.Commit(); !errors.Is(err, db.ErrConflict) {
		t.Fatalf("Second commit = %v, want ErrConflict", err)
	}
	expectValue(t, s1, "row", "s1")
}

func testConcurrentSessions(t *testing.T, engine db.Engine) {
	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s, err := engine.NewSession()
			if err != nil {
				errs <- err
				return
			}
			defer s.Close()
			for i := 0; i < perWorker; i++ {
				if err := s.Begin(); err != nil {
					errs <- err
					return
				}
				key := []byte(fmt.Sprintf("w%d-k%d", w, i))
				if err := s.Set(key, key); err != nil {
					errs <- err
					return
				}
				if err := s.Commit(); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Worker failed: %v", err)
	}

	s := newSession(t, engine)
	if got := len(collect(t, s, nil, nil)); got != workers*perWorker {
		t.Errorf("Expected %d entries, got %d", workers*perWorker, got)
	}
}

func testReopen(t *testing.T, driver db.Driver) {
	dir := filepath.Join(t.TempDir(), "db")
	engine, err := driver.Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s, _ := engine.NewSession()
	mustSet(t, s, "persistent", "value")
	_ = s.Close()
	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	engine, err = driver.Open(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer engine.Close()
	expectValue(t, newSession(t, engine), "persistent", "value")
}

func testCheckpointRestore(t *testing.T, driver db.Driver) {
	engine := open(t, driver)
	requireFeature(t, engine, db.FeatureCheckpoint|db.FeatureRestore)

	s := newSession(t, engine)
	for i := 0; i < 20; i++ {
		mustSet(t, s, fmt.Sprintf("key-%02d", i), fmt.Sprintf("value-%02d", i))
	}
	expected := collect(t, s, nil, nil)

	var statuses []db.Status
	backupDir := filepath.Join(t.TempDir(), "backup")
	err := engine.Checkpoint(backupDir, func(status db.Status, _ string) {
		statuses = append(statuses, status)
	})
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if len(statuses) < 2 || statuses[0] != db.StatusBegin || statuses[len(statuses)-1] != db.StatusComplete {
		t.Errorf("Unexpected checkpoint statuses: %v", statuses)
	}

	// writes after the checkpoint must not show up in the restored copy
	mustSet(t, s, "late", "write")

	restoreDir := filepath.Join(t.TempDir(), "restored")
	statuses = nil
	err = driver.Restore(backupDir, restoreDir, func(status db.Status, _ string) {
		statuses = append(statuses, status)
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(statuses) < 2 || statuses[0] != db.StatusBegin || statuses[len(statuses)-1] != db.StatusComplete {
		t.Errorf("Unexpected restore statuses: %v", statuses)
	}

	restored, err := driver.Open(restoreDir)
	if err != nil {
		t.Fatalf("Opening restored engine failed: %v", err)
	}
	defer restored.Close()

	got := collect(t, newSession(t, restored), nil, nil)
	if !equalStrings(got, expected) {
		t.Errorf("Restored contents = %v, want %v", got, expected)
	}
}

func testCheckpointExistingDir(t *testing.T, engine db.Engine) {
	requireFeature(t, engine, db.FeatureCheckpoint)

	dir := t.TempDir()
	var last db.Status
	err := engine.Checkpoint(dir, func(status db.Status, _ string) {
		last = status
	})
	if err == nil {
		t.Fatalf("Checkpoint into an existing directory should fail")
	}
	if last != db.StatusFail {
		t.Errorf("Last status = %s, want Fail", last)
	}

	err = engine.Checkpoint(filepath.Join(dir, "ok"), nil)
	if err != nil {
		t.Errorf("Checkpoint with nil status func failed: %v", err)
	}
}

func testClosed(t *testing.T, driver db.Driver) {
	engine, err := driver.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := engine.NewSession(); !errors.Is(err, db.ErrClosed) {
		t.Errorf("NewSession on closed engine = %v, want ErrClosed", err)
	}
}
