package testing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/rTable/lib/store"
)

// Factory creates a new, empty store for one test. The factory is responsible for the cleanup.
type Factory func(t *testing.T) store.IStore

// RunStoreTests runs the conformance tests every store.IStore implementation must pass.
func RunStoreTests(t *testing.T, name string, factory Factory) {
	t.Run(name+"/Insert&Get", func(t *testing.T) {
		s := factory(t)
		mustInsert(t, s, "key", "value")
		expectValue(t, s, "key", "value")
		expectMissing(t, s, "other")

		mustInsert(t, s, "key", "updated")
		expectValue(t, s, "key", "updated")

		mustInsert(t, s, "empty", "")
		expectValue(t, s, "empty", "")
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		s := factory(t)
		mustInsert(t, s, "key", "value")

		deleted, err := s.Delete("key")
		if err != nil || !deleted {
			t.Fatalf("Delete = (%t, %v), want deleted", deleted, err)
		}
		expectMissing(t, s, "key")

		deleted, err = s.Delete("key")
		if err != nil || deleted {
			t.Errorf("Second Delete = (%t, %v), want nothing deleted", deleted, err)
		}
	})

	t.Run(name+"/Has", func(t *testing.T) {
		s := factory(t)
		mustInsert(t, s, "key", "value")
		for key, expected := range map[string]bool{"key": true, "missing": false} {
			ok, err := s.Has(key)
			if err != nil || ok != expected {
				t.Errorf("Has(%s) = (%t, %v), want %t", key, ok, err, expected)
			}
		}
	})

	t.Run(name+"/GetRange", func(t *testing.T) {
		s := factory(t)
		for _, k := range []string{"d", "b", "a", "e", "c"} {
			mustInsert(t, s, k, k+k)
		}

		tests := []struct {
			name     string
			from, to string
			max      int
			expected string
		}{
			{"All", "", "", 0, "[a b c d e]"},
			{"Inclusive", "b", "d", 0, "[b c d]"},
			{"From", "c", "", 0, "[c d e]"},
			{"To", "", "b", 0, "[a b]"},
			{"Max", "b", "", 2, "[b c]"},
			{"Between keys", "bb", "cc", 0, "[c]"},
			{"Inverted", "d", "b", 0, "[]"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rows, err := s.GetRange(tt.from, tt.to, tt.max)
				if err != nil {
					t.Fatalf("GetRange failed: %v", err)
				}
				keys := make([]string, 0, len(rows))
				for _, r := range rows {
					if string(r.Value) != r.Key+r.Key {
						t.Errorf("Wrong value %q for key %s", r.Value, r.Key)
					}
					keys = append(keys, r.Key)
				}
				if got := fmt.Sprint(keys); got != tt.expected {
					t.Errorf("GetRange(%q, %q, %d) = %s, want %s", tt.from, tt.to, tt.max, got, tt.expected)
				}
			})
		}
	})

	t.Run(name+"/ConcurrentWriters", func(t *testing.T) {
		s := factory(t)
		const writers = 8
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					// distinct keys must never conflict
					if err := s.Insert(fmt.Sprintf("w%d-%02d", w, i), []byte("v")); err != nil {
						t.Errorf("Insert failed: %v", err)
						return
					}
					// writes to a shared key are retried or reported as conflict
					if err := s.Insert("shared", []byte(fmt.Sprint(w))); err != nil && !store.IsConflict(err) {
						t.Errorf("Insert of shared key failed: %v", err)
						return
					}
				}
			}(w)
		}
		wg.Wait()

		rows, err := s.GetRange("w", "w~", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != writers*20 {
			t.Errorf("Expected %d rows, got %d", writers*20, len(rows))
		}
		if ok, _ := s.Has("shared"); !ok {
			t.Errorf("Shared key should exist")
		}
	})

	t.Run(name+"/GetDBInfo", func(t *testing.T) {
		s := factory(t)
		mustInsert(t, s, "key", "value")
		info, err := s.GetDBInfo()
		if err != nil {
			t.Fatalf("GetDBInfo failed: %v", err)
		}
		if info.DbType == "" {
			t.Errorf("DbType should be set")
		}
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func mustInsert(t *testing.T, s store.IStore, key, value string) {
	t.Helper()
	if err := s.Insert(key, []byte(value)); err != nil {
		t.Fatalf("Insert(%s) failed: %v", key, err)
	}
}

func expectValue(t *testing.T, s store.IStore, key, expected string) {
	t.Helper()
	v, ok, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	if !ok || string(v) != expected {
		t.Errorf("Get(%s) = (%q, %t), want %q", key, v, ok, expected)
	}
}

func expectMissing(t *testing.T, s store.IStore, key string) {
	t.Helper()
	v, ok, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	if ok {
		t.Errorf("Get(%s) = %q, want missing", key, v)
	}
}
