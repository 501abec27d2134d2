package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/23skdu/distknn/internal/cluster"
	"github.com/23skdu/distknn/internal/engine"
	"github.com/23skdu/distknn/internal/knn"
	"github.com/23skdu/distknn/internal/logging"
	"github.com/23skdu/distknn/internal/table"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	envFile := flag.String("env", ".env", "Optional dotenv file with DISTKNN_* settings")
	flag.Parse()

	cfg, err := LoadConfig(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := ValidateConfig(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info().Str("address", cfg.MetricsAddr).Msg("Starting metrics server")
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := run(ctx, &cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Run failed")
		cancel()
		stop()
		os.Exit(1)
	}
}

//nolint:gocritic // Logger passed by value for constructor simplicity
func run(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	c, err := cluster.NewLocalCluster(cluster.Config{
		Hosts:            cfg.Hosts,
		DevicesPerHost:   cfg.DevicesPerHost,
		BasePort:         cfg.BasePort,
		ThreadsPerWorker: cfg.ThreadsPerWorker,
	}, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	dt, release, err := buildTable(cfg, c.Workers())
	if err != nil {
		return err
	}
	defer release()

	model := knn.New(c, buildOptions(cfg, logger)...)
	defer model.Close()

	if err := model.Fit(ctx, dt); err != nil {
		return err
	}
	if err := model.TeardownErr(); err != nil {
		logger.Warn().Err(err).Msg("Handle teardown reported errors")
	}
	for _, hm := range model.HostMasters() {
		logger.Info().
			Str("worker", hm.Worker).
			Int("rank", hm.Rank).
			Int64("rows", hm.Rows).
			Int64("row_offset", hm.RowOffset).
			Msg("Host coordinator")
	}

	query := table.Uniform(memory.NewGoAllocator(), cfg.QueryRows, model.Columns(), rand.New(rand.NewSource(cfg.Seed+1)))
	defer query.Release()

	res, err := model.KNeighbors(ctx, query, cfg.K)
	if err != nil {
		return err
	}

	for i := 0; i < res.Rows; i++ {
		dists, ids := res.Row(i)
		ev := logger.Info().Int("query_row", i).Ints64("indices", ids).Floats32("distances", dists)
		if loc, err := model.Locate(ids[0]); err == nil {
			ev = ev.Str("nearest", loc.String())
		}
		ev.Msg("Neighbors")
	}
	return nil
}

func buildOptions(cfg *Config, logger zerolog.Logger) []knn.Option {
	opts := []knn.Option{knn.WithLogger(logger)}
	if cfg.Engine == "hnsw" {
		opts = append(opts, knn.WithEngine(engine.NewHNSW(engine.HNSWConfig{
			M:        cfg.HNSWM,
			EfSearch: cfg.HNSWEfSearch,
		}, logger)))
	}
	if cfg.Merge == "primary" {
		opts = append(opts, knn.WithMergeMode(knn.MergePrimary))
	}
	if cfg.RandomElection {
		opts = append(opts, knn.WithRandomElection(cfg.Seed))
	}
	return opts
}

// buildTable spreads partitions over workers round-robin. Parquet input is read
// once and shipped to the workers slice by slice; release frees it after Fit.
func buildTable(cfg *Config, workers []string) (*table.Distributed, func(), error) {
	if cfg.DataPath == "" {
		parts := make([]table.Partition, cfg.Partitions)
		for i := range parts {
			parts[i] = table.Partition{
				Worker: workers[i%len(workers)],
				Load:   table.Generated(cfg.RowsPerPartition, cfg.Columns, cfg.Seed+int64(i)*7919),
			}
		}
		dt, err := table.NewDistributed(table.FloatSchema(cfg.Columns), parts...)
		return dt, func() {}, err
	}

	f, err := os.Open(cfg.DataPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	rec, err := table.ReadParquet(f, st.Size(), memory.NewGoAllocator())
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", cfg.DataPath, err)
	}

	slices := table.Split(rec, cfg.Partitions)
	release := func() {
		for _, s := range slices {
			s.Release()
		}
		rec.Release()
	}
	parts := make([]table.Partition, len(slices))
	for i, s := range slices {
		parts[i] = table.Partition{Worker: workers[i%len(workers)], Load: table.FromRecord(s)}
	}
	dt, err := table.NewDistributed(rec.Schema(), parts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return dt, release, nil
}
