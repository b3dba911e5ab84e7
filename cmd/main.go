package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihttp "podtable/internal/http"
	"podtable/pkg/cluster"
	"podtable/pkg/config"
	"podtable/pkg/metrics"
	"podtable/pkg/query"
	"podtable/pkg/rpc"
	"podtable/pkg/table"
)

const metricsNamespace = "podtable"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "podtable: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	initLogger(&cfg)

	strategy, err := cfg.Pod.Placement()
	if err != nil {
		return err
	}
	policy, err := cfg.Query.Policy()
	if err != nil {
		return err
	}

	// --- состав пода: ZooKeeper или статический список ---
	pod, closeMembership, err := joinPod(ctx, &cfg, strategy)
	if err != nil {
		return err
	}
	defer closeMembership()

	self := cluster.ResolveIdentity(pod)
	slog.Info("joined pod", "pod", pod.Pod(), "strategy", strategy.Name(), "members", pod.Snapshot().Len(), "identity", self.String())
	if _, member := self.Index(); !member {
		slog.Warn("node owns no pod member, locality falls back to ownership", "addr", cfg.Node.Addr, "policy", policy.String())
	}

	// --- таблицы ---
	catalog := table.NewCatalog()
	for _, tc := range cfg.Tables {
		schema, err := tc.Schema()
		if err != nil {
			return fmt.Errorf("table %s: %w", tc.Name, err)
		}
		if _, err := catalog.Open(tc.Name, schema, pod); err != nil {
			return err
		}
	}

	// --- метрики ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.RegisterPod(metricsNamespace, reg, pod); err != nil {
		return fmt.Errorf("register pod metrics: %w", err)
	}

	// --- Router и клиенты соседних нод ---
	pool := rpc.NewPool(catalog, cfg.Server.ReadHeaderTimeout*2)
	router := &table.Router{Catalog: catalog, NewClient: pool.ClientFactory()}

	server := apihttp.NewServer(apihttp.Deps{
		Catalog:        catalog,
		Router:         router,
		Pod:            pod,
		Policy:         policy,
		Gatherer:       query.Gatherer{Dial: pool.Dialer()},
		Metrics:        metrics.NewPrometheus(metricsNamespace, reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, strconv.Itoa(cfg.Server.Port))
	server.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout

	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("podtable is running", "addr", cfg.Node.Addr, "tables", catalog.Names())

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("Error stopping server", "error", err)
	}
	slog.Info("podtable stopped")
	return nil
}

// joinPod builds the shard map of the configured pod. With ZooKeeper the node
// registers itself and follows membership changes until ctx is done.
func joinPod(ctx context.Context, cfg *config.Config, strategy cluster.Strategy) (*cluster.ShardMap, func(), error) {
	if !cfg.Pod.UseZooKeeper() {
		pod, err := cluster.NewShardMap(cfg.Pod.PodName(), cfg.Node.Addr, strategy, cfg.StaticMembers())
		if err != nil {
			return nil, nil, err
		}
		return pod, func() {}, nil
	}

	zkc := cfg.Pod.ZooKeeper
	membership, err := cluster.NewZKMembership(zkc.Servers, zkc.Root, cfg.Pod.PodName(), zkc.SessionTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ZooKeeper: %w", err)
	}
	closeFn := func() { _ = membership.Close() }

	if err := membership.RegisterSelf(cfg.Self()); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("failed to register node in ZooKeeper: %w", err)
	}

	pod, err := membership.BuildShardMap(cfg.Node.Addr, strategy)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("failed to build pod from ZooKeeper: %w", err)
	}

	// watcher публикует новый состав пода при изменениях в ZK
	membership.RunWatch(ctx, pod)
	return pod, closeFn, nil
}
