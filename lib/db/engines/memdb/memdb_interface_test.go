package memdb

import (
	"testing"

	dbtesting "github.com/ValentinKolb/rTable/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunEngineTests(t, "MemDB", Driver())
}

func Benchmark(b *testing.B) {
	dbtesting.RunEngineBenchmarks(b, "MemDB", Driver())
}
