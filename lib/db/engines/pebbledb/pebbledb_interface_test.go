package pebbledb

import (
	"testing"

	dbtesting "github.com/ValentinKolb/rTable/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunEngineTests(t, "PebbleDB", Driver())
}

func Benchmark(b *testing.B) {
	dbtesting.RunEngineBenchmarks(b, "PebbleDB", Driver())
}
