package testing

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/rTable/lib/db"
)

// RunEngineBenchmarks runs all benchmarks for a storage engine driver
func RunEngineBenchmarks(b *testing.B, name string, driver db.Driver) {
	b.Run(name, func(b *testing.B) {
		b.Run("Set", func(b *testing.B) {
			benchmarkSet(b, open(b, driver))
		})

		b.Run("SetLargeValue", func(b *testing.B) {
			benchmarkSetLargeValue(b, open(b, driver))
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, open(b, driver))
		})

		b.Run("Transaction", func(b *testing.B) {
			benchmarkTransaction(b, open(b, driver))
		})

		b.Run("RangeScan", func(b *testing.B) {
			benchmarkRangeScan(b, open(b, driver))
		})

		b.Run("Checkpoint", func(b *testing.B) {
			benchmarkCheckpoint(b, open(b, driver))
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

var benchCounter atomic.Int64

func benchmarkSet(b *testing.B, engine db.Engine) {
	value := []byte("benchmark-value")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		s, err := engine.NewSession()
		if err != nil {
			b.Fatalf("Failed to create session: %v", err)
		}
		defer s.Close()
		for pb.Next() {
			key := []byte(fmt.Sprintf("bench-set-%d", benchCounter.Add(1)))
			if err := s.Set(key, value); err != nil {
				b.Fatalf("Set failed: %v", err)
			}
		}
	})
}

func benchmarkSetLargeValue(b *testing.B, engine db.Engine) {
	value := bytes.Repeat([]byte("x"), 64*1024)
	s := newSession(b, engine)

	b.SetBytes(int64(len(value)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Set([]byte(fmt.Sprintf("bench-large-%d", i)), value); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}
}

func benchmarkGet(b *testing.B, engine db.Engine) {
	const numKeys = 1000
	s := newSession(b, engine)
	for i := 0; i < numKeys; i++ {
		mustSet(b, s, fmt.Sprintf("bench-get-%d", i), "value")
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		s, err := engine.NewSession()
		if err != nil {
			b.Fatalf("Failed to create session: %v", err)
		}
		defer s.Close()
		r := rand.New(rand.NewSource(benchCounter.Add(1)))
		for pb.Next() {
			key := []byte(fmt.Sprintf("bench-get-%d", r.Intn(numKeys)))
			if _, _, err := s.Get(key); err != nil {
				b.Fatalf("Get failed: %v", err)
			}
		}
	})
}

// benchmarkTransaction measures a read-modify-write transaction touching 4 keys.
func benchmarkTransaction(b *testing.B, engine db.Engine) {
	requireFeature(b, engine, db.FeatureTransactions)
	s := newSession(b, engine)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Begin(); err != nil {
			b.Fatalf("Begin failed: %v", err)
		}
		for k := 0; k < 4; k++ {
			key := []byte(fmt.Sprintf("bench-tx-%d-%d", i%128, k))
			if _, _, err := s.Get(key); err != nil {
				b.Fatalf("Get failed: %v", err)
			}
			if err := s.Set(key, key); err != nil {
				b.Fatalf("Set failed: %v", err)
			}
		}
		if err := s.Commit(); err != nil {
			b.Fatalf("Commit failed: %v", err)
		}
	}
}

func benchmarkRangeScan(b *testing.B, engine db.Engine) {
	requireFeature(b, engine, db.FeatureRangeScan)
	const numKeys = 1000
	s := newSession(b, engine)
	for i := 0; i < numKeys; i++ {
		mustSet(b, s, fmt.Sprintf("bench-range-%04d", i), "value")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := s.Iterate([]byte("bench-range-0100"), []byte("bench-range-0200"))
		if err != nil {
			b.Fatalf("Iterate failed: %v", err)
		}
		n := 0
		for it.Next() {
			n++
		}
		_ = it.Close()
		if n != 100 {
			b.Fatalf("Expected 100 entries, got %d", n)
		}
	}
}

func benchmarkCheckpoint(b *testing.B, engine db.Engine) {
	requireFeature(b, engine, db.FeatureCheckpoint)
	s := newSession(b, engine)
	for i := 0; i < 1000; i++ {
		mustSet(b, s, fmt.Sprintf("bench-cp-%04d", i), "value")
	}
	base := b.TempDir()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := engine.Checkpoint(fmt.Sprintf("%s/cp-%d", base, i), nil); err != nil {
			b.Fatalf("Checkpoint failed: %v", err)
		}
	}
}
