package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hypersearch/internal/feed"
	"hypersearch/internal/hsstate"
	"hypersearch/internal/jobs"
	"hypersearch/internal/metrics"
	"hypersearch/internal/model"
	"hypersearch/internal/runner"
	"hypersearch/internal/storage"
	"hypersearch/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "models":
		return runModels(ctx, args[1:])
	case "cancel":
		return runCancel(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// commonFlags are shared by every command.
type commonFlags struct {
	storeKind *string
	dbPath    *string
	dsn       *string
	table     *string
	jobID     *string
	logLevel  *string
	logFormat *string
	def       defaults
}

func addCommonFlags(fs *flag.FlagSet) (*commonFlags, error) {
	def, err := loadDefaults()
	if err != nil {
		return nil, err
	}
	kind := def.store.Kind
	if kind == "" {
		kind = "memory"
	}
	dbPath := def.store.Path
	if dbPath == "" {
		dbPath = "hypersearch.db"
	}
	table := def.store.Table
	if table == "" {
		table = "hypersearch"
	}
	return &commonFlags{
		storeKind: fs.String("store", kind, "store backend: memory|sqlite|badger|postgres|dynamodb"),
		dbPath:    fs.String("db-path", dbPath, "sqlite database file or badger directory"),
		dsn:       fs.String("dsn", def.store.DSN, "postgres connection string"),
		table:     fs.String("table", table, "dynamodb table name"),
		jobID:     fs.String("job", "", "job id"),
		logLevel:  fs.String("log-level", "info", "log level: debug|info|warn|error"),
		logFormat: fs.String("log-format", "text", "log format: text|json"),
		def:       def,
	}, nil
}

func (c *commonFlags) requireJob() error {
	if *c.jobID == "" {
		return errors.New("-job is required")
	}
	return nil
}

func (c *commonFlags) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*c.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", *c.logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch *c.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", *c.logFormat)
	}
}

func (c *commonFlags) openStore(ctx context.Context, logger *slog.Logger) (*jobs.Store, func(), error) {
	backend, err := storage.NewStore(ctx, storage.Options{
		Kind:  *c.storeKind,
		Path:  *c.dbPath,
		DSN:   *c.dsn,
		Table: *c.table,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := backend.Init(ctx); err != nil {
		_ = storage.CloseIfSupported(backend)
		return nil, nil, err
	}
	closeFn := func() {
		_ = storage.CloseIfSupported(backend)
	}
	return jobs.New(backend, jobs.Options{Logger: logger}), closeFn, nil
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	common, err := addCommonFlags(fs)
	if err != nil {
		return err
	}
	descPath := fs.String("description", "", "search description JSON file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *descPath == "" {
		return errors.New("-description is required")
	}
	if *common.jobID == "" {
		*common.jobID = uuid.NewString()
	}
	logger, err := common.logger()
	if err != nil {
		return err
	}
	_, raw, err := loadSearchFile(*descPath)
	if err != nil {
		return err
	}

	store, closeStore, err := common.openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := store.CreateJob(ctx, *common.jobID, string(raw)); err != nil {
		return err
	}
	fmt.Printf("initialized job=%s store=%s\n", *common.jobID, *common.storeKind)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	common, err := addCommonFlags(fs)
	if err != nil {
		return err
	}
	descPath := fs.String("description", "", "search description JSON file; creates the job when it does not exist")
	workers := fs.Int("workers", 1, "number of in-process workers")
	runnerName := fs.String("runner", "synthetic", "model runner: synthetic")
	workerPrefix := fs.String("worker-id", "", "worker id prefix (default random)")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	brokers := fs.String("kafka-brokers", common.def.kafkaBrokers, "comma separated kafka brokers for progress events")
	topic := fs.String("kafka-topic", common.def.kafkaTopic, "kafka topic for progress events")
	records := fs.Int("records", runner.DefaultSyntheticConfig().NumRecords, "synthetic runner records per model")
	noise := fs.Float64("noise", runner.DefaultSyntheticConfig().Noise, "synthetic runner metric noise")
	target := fs.Float64("target", runner.DefaultSyntheticConfig().Target, "synthetic runner optimum")
	maxRestarts := fs.Int("max-restarts", 3, "restarts per worker before giving up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := common.requireJob(); err != nil {
		return err
	}
	if *runnerName != "synthetic" {
		return fmt.Errorf("unsupported runner: %s", *runnerName)
	}
	logger, err := common.logger()
	if err != nil {
		return err
	}

	store, closeStore, err := common.openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	raw, ok, err := store.GetJobField(ctx, *common.jobID, model.JobFieldDescription)
	if err != nil {
		return err
	}
	if !ok {
		if *descPath == "" {
			return fmt.Errorf("job %s not found; pass -description to create it", *common.jobID)
		}
		_, data, err := loadSearchFile(*descPath)
		if err != nil {
			return err
		}
		if err := store.CreateJob(ctx, *common.jobID, string(data)); err != nil && !errors.Is(err, jobs.ErrJobExists) {
			return err
		}
		raw = string(data)
	}
	sf, err := parseSearchFile([]byte(raw))
	if err != nil {
		return fmt.Errorf("job %s description: %w", *common.jobID, err)
	}

	var collector metrics.Collector = metrics.Noop{}
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		prom, err := metrics.NewPrometheus(reg)
		if err != nil {
			return err
		}
		collector = prom
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", *metricsAddr, "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var sink feed.Sink = feed.Noop{}
	if *brokers != "" {
		if *topic == "" {
			return errors.New("-kafka-topic is required with -kafka-brokers")
		}
		kafka, err := feed.NewKafkaSink(strings.Split(*brokers, ","), *topic)
		if err != nil {
			return err
		}
		sink = kafka
	}
	defer sink.Close()

	prefix := *workerPrefix
	if prefix == "" {
		prefix = uuid.NewString()[:8]
	}
	synthCfg := runner.DefaultSyntheticConfig()
	synthCfg.NumRecords = *records
	synthCfg.Noise = *noise
	synthCfg.Target = *target

	sup := worker.NewSupervisor(worker.SupervisorPolicy{MaxRestarts: *maxRestarts}, worker.SupervisorHooks{}, logger)
	started := time.Now()
	results, err := worker.RunPool(ctx, *workers, sup, func(i int) (string, worker.RunFunc) {
		name := fmt.Sprintf("%s-%d", prefix, i)
		return name, func(ctx context.Context) (model.CompletionReason, string, error) {
			desc, err := sf.description()
			if err != nil {
				return "", "", fmt.Errorf("%w: %v", worker.ErrPermanent, err)
			}
			synth, err := runner.NewSynthetic(synthCfg)
			if err != nil {
				return "", "", fmt.Errorf("%w: %v", worker.ErrPermanent, err)
			}
			w, err := worker.New(worker.Config{
				JobID:       *common.jobID,
				WorkerID:    name,
				Search:      sf.config,
				Description: desc,
				Runner:      synth,
				Sink:        sink,
				Metrics:     collector,
				Logger:      logger,
			}, store)
			if err != nil {
				return "", "", fmt.Errorf("%w: %v", worker.ErrPermanent, err)
			}
			return w.Run(ctx)
		}
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("worker=%s reason=%s restarts=%d msg=%q\n", r.Name, r.Reason, r.Restarts, r.Msg)
	}
	fmt.Printf("job=%s finished in %s\n", *common.jobID, time.Since(started).Round(time.Millisecond))
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	common, err := addCommonFlags(fs)
	if err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := common.requireJob(); err != nil {
		return err
	}
	logger, err := common.logger()
	if err != nil {
		return err
	}
	store, closeStore, err := common.openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	return printStatus(ctx, os.Stdout, store, *common.jobID)
}

func printStatus(ctx context.Context, out io.Writer, store *jobs.Store, jobID string) error {
	status, ok, err := store.GetJobField(ctx, jobID, model.JobFieldStatus)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	reason, _, err := store.GetJobField(ctx, jobID, model.JobFieldCompletionReason)
	if err != nil {
		return err
	}
	msg, _, err := store.GetJobField(ctx, jobID, model.JobFieldCompletionMsg)
	if err != nil {
		return err
	}
	cancelled, err := store.IsCancelled(ctx, jobID)
	if err != nil {
		return err
	}
	recs, err := store.ListModels(ctx, jobID)
	if err != nil {
		return err
	}
	completed := 0
	for _, rec := range recs {
		if rec.IsCompleted() {
			completed++
		}
	}

	fmt.Fprintf(out, "job=%s status=%s cancelled=%t\n", jobID, status, cancelled)
	fmt.Fprintf(out, "models=%s completed=%s\n", humanize.Comma(int64(len(recs))), humanize.Comma(int64(completed)))
	if reason != "" {
		fmt.Fprintf(out, "completion=%s %s\n", reason, msg)
	}

	res, _, err := hsstate.NewJSONField[model.JobResults](store, jobID, model.JobFieldResults).Load(ctx)
	if err != nil {
		return err
	}
	if res.BestModel != 0 && res.BestValue != nil {
		fmt.Fprintf(out, "best model=%d value=%s\n", res.BestModel, humanize.FtoaWithDigits(*res.BestValue, 6))
	}
	for _, field := range sortedKeys(res.FieldContributions) {
		fmt.Fprintf(out, "contribution field=%s pct=%s abs=%s\n", field,
			humanize.FtoaWithDigits(res.FieldContributions[field], 2),
			humanize.FtoaWithDigits(res.AbsoluteFieldContributions[field], 6))
	}

	snap, ver, err := hsstate.NewJSONField[hsstate.Snapshot](store, jobID, model.JobFieldEngWorkerState).Load(ctx)
	if err != nil {
		return err
	}
	if !ver.Exists || ver.Garbled {
		return nil
	}
	if snap.SearchOver {
		fmt.Fprintln(out, "search over")
	}
	for idx, sprint := range snap.Sprints {
		fmt.Fprintf(out, "sprint %d %s best=%s\n", idx, sprint.Status, scoreText(sprint.BestErrScore))
	}
	swarms := make([]string, 0, len(snap.Swarms))
	for id := range snap.Swarms {
		swarms = append(swarms, id)
	}
	sort.Slice(swarms, func(i, j int) bool {
		a, b := snap.Swarms[swarms[i]], snap.Swarms[swarms[j]]
		if a.SprintIdx != b.SprintIdx {
			return a.SprintIdx < b.SprintIdx
		}
		return swarms[i] < swarms[j]
	})
	for _, id := range swarms {
		info := snap.Swarms[id]
		fmt.Fprintf(out, "  swarm %-24s sprint=%d %-10s best=%s model=%d\n",
			id, info.SprintIdx, info.Status, scoreText(info.BestErrScore), info.BestModelID)
	}
	return nil
}

func scoreText(s *model.Score) string {
	if s == nil || !s.Valid() {
		return "-"
	}
	return humanize.FtoaWithDigits(s.Float(), 6)
}

func runModels(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	common, err := addCommonFlags(fs)
	if err != nil {
		return err
	}
	limit := fs.Int("limit", 50, "max models to list, most recent first; 0 lists all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := common.requireJob(); err != nil {
		return err
	}
	logger, err := common.logger()
	if err != nil {
		return err
	}
	store, closeStore, err := common.openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	return printModels(ctx, os.Stdout, store, *common.jobID, *limit)
}

func printModels(ctx context.Context, out io.Writer, store *jobs.Store, jobID string, limit int) error {
	recs, err := store.ListModels(ctx, jobID)
	if err != nil {
		return err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		metric := "-"
		if rec.OptimizedMetric != nil {
			metric = humanize.FtoaWithDigits(*rec.OptimizedMetric, 6)
		}
		ps := rec.Params.ParticleState
		fmt.Fprintf(out, "model=%d swarm=%s gen=%d status=%s reason=%s records=%s metric=%s worker=%s updated=%s\n",
			rec.ID, ps.SwarmID, ps.GenIdx, rec.Status, rec.CompletionReason,
			humanize.Comma(int64(rec.NumRecords)), metric, rec.WorkerID, humanize.Time(rec.LastUpdate))
	}
	return nil
}

func runCancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	common, err := addCommonFlags(fs)
	if err != nil {
		return err
	}
	msg := fs.String("msg", "Job was cancelled from the command line", "cancellation message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := common.requireJob(); err != nil {
		return err
	}
	logger, err := common.logger()
	if err != nil {
		return err
	}
	store, closeStore, err := common.openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := store.CancelJob(ctx, *common.jobID, model.CompletionKilled, *msg); err != nil {
		return err
	}
	fmt.Printf("cancelled job=%s\n", *common.jobID)
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: hypersearchctl <init|run|status|models|cancel> [flags]", msg)
}
