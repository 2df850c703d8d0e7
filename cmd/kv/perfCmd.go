package kv

import (
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/rTable/cmd/util"
	"github.com/ValentinKolb/rTable/rpc/common"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for rTable servers",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfOps              = 10_000
	perfSkip             = make([]string, 0)
)

// perfTests lists all tests in the order they are run
var perfTests = []perfTest{
	{name: "insert", op: func(key string, _ int) error { return rpcStore.Insert(key, []byte("test")) }},
	{name: "insert-large", op: func(key string, _ int) error { return rpcStore.Insert(key, largeValue()) }},
	{name: "get", prefill: true, op: func(key string, _ int) error { _, _, err := rpcStore.Get(key); return err }},
	{name: "has", prefill: true, op: func(key string, _ int) error { _, err := rpcStore.Has(key); return err }},
	{name: "has-not", op: func(key string, _ int) error { _, err := rpcStore.Has(key); return err }},
	{name: "range", prefill: true, op: func(key string, _ int) error { _, err := rpcStore.GetRange(key, "", 10); return err }},
	{name: "delete", prefill: true, op: func(key string, _ int) error { _, err := rpcStore.Delete(key); return err }},
	{name: "mixed", prefill: true, op: mixedOp},
}

type perfTest struct {
	name    string
	prefill bool
	op      func(key string, i int) error
}

// perfResult holds the timer of one test and the wall time it took
type perfResult struct {
	test    string
	skipped bool
	timer   metrics.Timer
	errors  metrics.Counter
	elapsed time.Duration
}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. insert,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 10_000, util.WrapString("Number of operations per test"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the insert-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfOps = max(1, viper.GetInt("ops"))
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for rTable servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d, Operations per test: %d\n", perfNumThreads, perfOps)
	fmt.Println()

	fmt.Println("starting tests...")

	registry := metrics.NewRegistry()
	results := make([]perfResult, 0, len(perfTests))
	for _, test := range perfTests {
		result := runTest(registry, test)
		printResult(result)
		results = append(results, result)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// runTest runs perfOps operations of a test spread over perfNumThreads goroutines
func runTest(registry metrics.Registry, test perfTest) perfResult {
	result := perfResult{test: test.name}
	if slices.Contains(perfSkip, test.name) {
		result.skipped = true
		return result
	}

	result.timer = metrics.GetOrRegisterTimer(test.name, registry)
	result.errors = metrics.GetOrRegisterCounter(test.name+".errors", registry)

	keys := getKeys(test.name)

	// prepare keys
	if test.prefill {
		for _, k := range keys {
			if err := rpcStore.Insert(k, []byte("test")); err != nil {
				log.Printf("(%s) - error inserting key: %v\n", test.name, err)
			}
		}
	}

	var wg sync.WaitGroup
	var next sync.Mutex
	counter := 0
	start := time.Now()
	for range perfNumThreads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				next.Lock()
				i := counter
				counter++
				next.Unlock()
				if i >= perfOps {
					return
				}

				opStart := time.Now()
				err := test.op(keys[i%len(keys)], i)
				result.timer.UpdateSince(opStart)
				if err != nil {
					result.errors.Inc(1)
					log.Printf("(%s) - error: %v\n", test.name, err)
				}
			}
		}()
	}
	wg.Wait()
	result.elapsed = time.Since(start)

	// cleanup
	for _, k := range keys {
		if _, err := rpcStore.Delete(k); err != nil {
			log.Printf("(%s) - error deleting key: %v\n", test.name, err)
		}
	}

	return result
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

var (
	largeValueOnce sync.Once
	largeValueData []byte
)

func largeValue() []byte {
	largeValueOnce.Do(func() {
		largeValueData = make([]byte, perfLargeValueSizeKB*1024)
	})
	return largeValueData
}

func mixedOp(key string, i int) (err error) {
	switch i % 4 {
	case 0:
		err = rpcStore.Insert(key, []byte("test"))
	case 1:
		_, _, err = rpcStore.Get(key)
	case 2:
		_, err = rpcStore.Delete(key)
	case 3:
		_, err = rpcStore.Has(key)
	}
	return err
}

// creates the test keys of a test
func getKeys(prefix string) []string {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%05d", perfKeyPrefix, prefix, i)
	}
	return keys
}

// opsPerSec returns the throughput of a finished test
func (r perfResult) opsPerSec() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.timer.Count()) / r.elapsed.Seconds()
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(result perfResult) {
	if result.skipped {
		fmt.Printf("%-15sskipped\n", result.test)
		return
	}

	s := result.timer.Snapshot()
	fmt.Printf("%-15smean %-12s p50 %-12s p99 %-12s %8.0f ops/sec  %d errors\n",
		result.test,
		time.Duration(s.Mean()),
		time.Duration(s.Percentile(0.5)),
		time.Duration(s.Percentile(0.99)),
		result.opsPerSec(),
		result.errors.Count(),
	)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "MeanNs", "P50Ns", "P99Ns", "OpsPerSec", "Errors", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"ShardID", "Serializer", "Transport",
		"Threads", "Operations", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for _, result := range results {
		var mean, p50, p99, opsPerSec float64
		var errCount int64
		if !result.skipped {
			s := result.timer.Snapshot()
			mean, p50, p99 = s.Mean(), s.Percentile(0.5), s.Percentile(0.99)
			opsPerSec = result.opsPerSec()
			errCount = result.errors.Count()
		}

		row := []string{
			result.test,
			fmt.Sprintf("%.0f", mean),
			fmt.Sprintf("%.0f", p50),
			fmt.Sprintf("%.0f", p99),
			fmt.Sprintf("%.0f", opsPerSec),
			strconv.FormatInt(errCount, 10),
			strconv.FormatBool(result.skipped),
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			strconv.FormatUint(util.GetShardID(), 10),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfOps),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", result.test, err)
		}
	}

	return nil
}
