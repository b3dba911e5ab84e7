package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"podtable/pkg/rpc"
	"podtable/pkg/table"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// Бенчмарк ходит в таблицу с ключом (tenant string, id int64), например
// users из примера конфига.
func main() {
	var (
		addrs  = flag.String("nodes", "localhost:8080", "comma separated node addresses; the first takes the load")
		name   = flag.String("table", "users", "table to write")
		tenant = flag.String("tenant", "bench", "tenant column value")
		ops    = flag.Int("ops", 100, "operations per test")
		conc   = flag.Int("c", 10, "goroutines for concurrent tests")
	)
	flag.Parse()

	nodes := splitNodes(*addrs)
	baseURL := "http://" + nodes[0]
	client := rpc.NewHTTPClient(baseURL, nil, &http.Client{Timeout: 5 * time.Second})

	fmt.Println("=== podtable Benchmark Test ===")
	fmt.Printf("Target: %s, table %s\n", baseURL, *name)
	fmt.Println()

	// Проверка доступности
	if !checkHealth(baseURL) {
		fmt.Printf("ERROR: Node %s is not available\n", baseURL)
		return
	}

	b := bench{client: client, table: *name, tenant: *tenant}

	// Тест 1: Последовательные записи
	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", *ops)
	printResult(b.run(*ops, 1, b.put))

	// Тест 2: Последовательные чтения
	fmt.Printf("\nTest 2: Sequential Reads (%d operations)\n", *ops)
	printResult(b.run(*ops, 1, b.get))

	// Тест 3: Параллельные записи
	fmt.Printf("\nTest 3: Concurrent Writes (%d operations, %d goroutines)\n", *ops, *conc)
	printResult(b.run(*ops, *conc, b.put))

	// Тест 4: Параллельные чтения
	fmt.Printf("\nTest 4: Concurrent Reads (%d operations, %d goroutines)\n", *ops, *conc)
	printResult(b.run(*ops, *conc, b.get))

	// Тест 5: локальные сканы должны разбить таблицу без пересечений
	fmt.Println("\nTest 5: Locality")
	checkLocality(client, nodes, *name)

	fmt.Println("\n=== Benchmark Complete ===")
}

func splitNodes(s string) []string {
	var out []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		out = []string{"localhost:8080"}
	}
	return out
}

func checkHealth(baseURL string) bool {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type bench struct {
	client *rpc.HTTPRemote
	table  string
	tenant string
}

func (b bench) key(i int) table.Row {
	return table.Row{"tenant": b.tenant, "id": int64(i)}
}

func (b bench) put(ctx context.Context, i int) error {
	row := b.key(i)
	row["name"] = fmt.Sprintf("bench_value_%d_%d", i, time.Now().UnixNano())
	return b.client.Put(ctx, b.table, row)
}

func (b bench) get(ctx context.Context, i int) error {
	_, found, err := b.client.Get(ctx, b.table, b.key(i))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("row %d not found", i)
	}
	return nil
}

func (b bench) run(totalOps, concurrency int, op func(context.Context, int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	next := make(chan int)
	go func() {
		for i := 0; i < totalOps; i++ {
			next <- i
		}
		close(next)
	}()

	for g := 0; g < concurrency; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				opStart := time.Now()
				err := op(context.Background(), i)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	duration := time.Since(start)

	// Вычисление статистики латентности
	var minLat, maxLat, sum time.Duration
	for i, lat := range latencies {
		if i == 0 || lat < minLat {
			minLat = lat
		}
		if lat > maxLat {
			maxLat = lat
		}
		sum += lat
	}
	var avgLatency time.Duration
	if len(latencies) > 0 {
		avgLatency = sum / time.Duration(len(latencies))
	}

	return BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		AvgLatency:    avgLatency,
		MinLatency:    minLat,
		MaxLatency:    maxLat,
	}
}

func checkLocality(client *rpc.HTTPRemote, nodes []string, name string) {
	ctx := context.Background()
	all, err := client.Scan(ctx, name)
	if err != nil {
		fmt.Printf("  gather failed: %v\n", err)
		return
	}
	fmt.Printf("  Gathered rows: %d\n", len(all))

	sum := 0
	for _, addr := range nodes {
		rows, err := rpc.NewHTTPClient("http://"+addr, nil, nil).ScanLocal(ctx, name)
		if err != nil {
			fmt.Printf("  %s: %v\n", addr, err)
			continue
		}
		sum += len(rows)
		fmt.Printf("  %s owns %d rows\n", addr, len(rows))
	}
	if len(nodes) > 1 {
		fmt.Printf("  Sum of local scans: %d (expected %d)\n", sum, len(all))
	}
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
