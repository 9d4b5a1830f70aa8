package perf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	cmdUtil "github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/lib/resolver"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/lib/store/memstore"
	"github.com/ValentinKolb/dDoc/lib/store/sqlstore"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfOps     = 10000
	perfBackend = "mem"
	PerfCmd     = &cobra.Command{
		Use:     "perf",
		Short:   "Local store and resolver micro-benchmarks",
		Long:    `Measure put/get/delete latency of a store backend and the throughput of the conflict resolvers on this machine. No network is involved.`,
		PreRunE: processPerfConfig,
		RunE:    run,
	}
)

func init() {
	key := "ops"
	PerfCmd.Flags().Int(key, 10000, cmdUtil.WrapString("Number of operations per benchmark"))

	key = "backend"
	PerfCmd.Flags().String(key, "mem", cmdUtil.WrapString("Store backend to benchmark (mem, sqlite)"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	perfOps = viper.GetInt("ops")
	perfBackend = viper.GetString("backend")
	if perfBackend != "mem" && perfBackend != "sqlite" {
		return fmt.Errorf("invalid backend %q (expected mem or sqlite)", perfBackend)
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Printf("dDoc micro-benchmarks (%d ops, %s backend)\n\n", perfOps, perfBackend)

	docStore, cleanup, err := makeStore()
	if err != nil {
		return err
	}
	defer cleanup()

	clock := hlc.NewClock("perf-node")
	payload := []byte(`{"name":"benchmark","tags":[{"id":"1","v":1},{"id":"2","v":2}],"nested":{"a":1,"b":2}}`)

	// Put
	putTimer := gometrics.NewTimer()
	for i := 0; i < perfOps; i++ {
		key := fmt.Sprintf("doc-%d", i)
		putTimer.Time(func() {
			docStore.PutDocument(model.NewDocument("bench", key, payload, clock.Now()))
		})
	}
	printTimer("put", putTimer)

	// Get
	getTimer := gometrics.NewTimer()
	for i := 0; i < perfOps; i++ {
		key := fmt.Sprintf("doc-%d", i)
		getTimer.Time(func() {
			docStore.GetDocument("bench", key)
		})
	}
	printTimer("get", getTimer)

	// Oplog range query
	oplogTimer := gometrics.NewTimer()
	for i := 0; i < 100; i++ {
		oplogTimer.Time(func() {
			docStore.GetOplogAfter(hlc.Zero, 100)
		})
	}
	printTimer("oplog-scan", oplogTimer)

	// LWW resolution
	lww := resolver.NewLWWResolver()
	local := model.NewDocument("bench", "conflict", payload, clock.Now())
	remoteEntry := model.OplogEntry{
		Collection: "bench", Key: "conflict", Data: payload,
		Timestamp: clock.Now(), Operation: model.OpPut,
	}
	lwwTimer := gometrics.NewTimer()
	for i := 0; i < perfOps; i++ {
		lwwTimer.Time(func() {
			lww.Resolve(&local, remoteEntry)
		})
	}
	printTimer("resolve-lww", lwwTimer)

	// Recursive merge resolution
	merge := resolver.NewMergeResolver()
	mergeTimer := gometrics.NewTimer()
	for i := 0; i < perfOps; i++ {
		mergeTimer.Time(func() {
			merge.Resolve(&local, remoteEntry)
		})
	}
	printTimer("resolve-merge", mergeTimer)

	// Delete
	deleteTimer := gometrics.NewTimer()
	for i := 0; i < perfOps; i++ {
		key := fmt.Sprintf("doc-%d", i)
		deleteTimer.Time(func() {
			docStore.DeleteDocument("bench", key, clock.Now())
		})
	}
	printTimer("delete", deleteTimer)

	return nil
}

// makeStore creates the benchmark target plus its cleanup function.
func makeStore() (store.IDocumentStore, func(), error) {
	if perfBackend == "mem" {
		s := memstore.NewMemStore()
		return s, func() { s.Close() }, s.Initialize()
	}

	dir, err := os.MkdirTemp("", "ddoc-perf-*")
	if err != nil {
		return nil, nil, err
	}
	s := sqlstore.NewSQLStore(sqlstore.DefaultOptions(filepath.Join(dir, "perf.db")))
	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}
	return s, cleanup, s.Initialize()
}

// printTimer renders one benchmark result line.
func printTimer(name string, timer gometrics.Timer) {
	ps := timer.Percentiles([]float64{0.5, 0.95, 0.99})
	fmt.Printf("%-15s %8d ops  %10.0f ops/sec  p50 %8s  p95 %8s  p99 %8s\n",
		name,
		timer.Count(),
		timer.RateMean(),
		time.Duration(ps[0]).Round(time.Nanosecond*100),
		time.Duration(ps[1]).Round(time.Nanosecond*100),
		time.Duration(ps[2]).Round(time.Nanosecond*100),
	)
}
