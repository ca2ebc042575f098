package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"hoaxwatch/internal/classifier"
	"hoaxwatch/internal/config"
	"hoaxwatch/internal/domain"
	"hoaxwatch/internal/factcheck"
	"hoaxwatch/internal/publisher"
	"hoaxwatch/internal/scheduler"
	"hoaxwatch/internal/service"
	"hoaxwatch/internal/source/gnews"
	"hoaxwatch/internal/source/reddit"
	"hoaxwatch/internal/storage"
)

const dateLayout = "2006-01-02"

type runOptions struct {
	once  bool
	daily bool
	time  string
}

type recordsOptions struct {
	platforms []string
	keywords  []string
	labels    []string
	from      string
	to        string
	limit     int
	offset    int
	json      bool
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func buildCollectors(cfg *config.Config, logger *slog.Logger) []service.Collector {
	var collectors []service.Collector

	if gn := cfg.Sources.GoogleNews; gn.Enabled {
		collectors = append(collectors, gnews.New(gnews.Config{
			BaseURL:        gn.BaseURL,
			Language:       gn.Language,
			Country:        gn.Country,
			Period:         gn.Period,
			MaxResults:     gn.MaxResults,
			Timeout:        gn.Timeout,
			MaxAttempts:    gn.Retry.MaxAttempts,
			InitialBackoff: gn.Retry.InitialBackoff,
			MaxBackoff:     gn.Retry.MaxBackoff,
		}, logger))
	}
	if rd := cfg.Sources.Reddit; rd.Enabled {
		collectors = append(collectors, reddit.New(reddit.Config{
			BaseURL:      rd.BaseURL,
			ClientID:     rd.ClientID,
			ClientSecret: rd.ClientSecret,
			MaxResults:   rd.MaxResults,
			Timeout:      rd.Timeout,

			MaxAttempts:    rd.Retry.MaxAttempts,
			InitialBackoff: rd.Retry.InitialBackoff,
			MaxBackoff:     rd.Retry.MaxBackoff,
		}, logger))
	}

	return collectors
}

func buildClassifier(cfg *config.Config) *classifier.Client {
	cl := cfg.Classifier
	return classifier.New(classifier.Config{
		URL:           cl.URL,
		APIKey:        cl.APIKey,
		Mode:          cl.Mode,
		HoaxLabel:     cl.HoaxLabel,
		NotHoaxLabel:  cl.NotHoaxLabel,
		HoaxThreshold: cl.Threshold(),
		MaxInputChars: cl.MaxInputChars,
		Timeout:       cl.Timeout,
	})
}

func buildFactChecker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.FactChecker, error) {
	if !cfg.FactCheck.Enabled {
		return nil, nil
	}
	fc := cfg.FactCheck
	client, err := factcheck.New(ctx, factcheck.Config{
		APIKey:            fc.APIKey,
		Endpoint:          fc.Endpoint,
		LanguageCode:      fc.LanguageCode,
		MaxAgeDays:        fc.MaxAgeDays,
		PageSize:          fc.PageSize,
		RequestsPerSecond: fc.RequestsPerSecond,
		Burst:             fc.Burst,
		Timeout:           fc.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func buildPublisher(cfg *config.Config, logger *slog.Logger) (service.Publisher, error) {
	if !cfg.RabbitMQ.Enabled {
		return nil, nil
	}
	rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		QueueName:  cfg.RabbitMQ.QueueName,
	}, logger)
	if err != nil {
		return nil, err
	}
	return rabbitMQ, nil
}

func runPipeline(ctx context.Context, opts runOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch {
	case opts.once:
		cfg.Schedule.Mode = config.ModeOnce
	case opts.daily:
		cfg.Schedule.Mode = config.ModeDaily
	}
	if opts.time != "" {
		if _, _, err := config.ParseClock(opts.time); err != nil {
			return fmt.Errorf("--time: %w", err)
		}
		cfg.Schedule.Time = opts.time
	}

	logger := setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	db, err := storage.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	factChecker, err := buildFactChecker(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init fact check: %w", err)
	}

	pub, err := buildPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	if pub != nil {
		defer pub.Close()
	}

	collectors := buildCollectors(cfg, logger)
	pipeline := service.NewPipeline(
		collectors,
		buildClassifier(cfg),
		factChecker,
		storage.NewItemStore(db),
		storage.NewRunStore(db, storage.NewTransactionManager(db)),
		pub,
		logger,
		cfg.Pipeline,
	)

	loc, err := cfg.Schedule.Location()
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	sched, err := scheduler.New(pipeline, scheduler.Config{
		Time:       cfg.Schedule.Time,
		Location:   loc,
		RunOnStart: cfg.Schedule.StartImmediately(),
		RunTimeout: cfg.Schedule.RunTimeout,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("starting hoaxwatch",
		"mode", cfg.Schedule.Mode,
		"keywords", len(cfg.Keywords),
		"collectors", len(collectors),
		"database", db.Dialect(),
		"fact_check", cfg.FactCheck.Enabled,
		"publish", cfg.RabbitMQ.Enabled,
	)

	if cfg.Schedule.Mode == config.ModeOnce {
		stats, err := sched.RunOnce(ctx)
		if stats != nil {
			printRunSummary(stats)
		}
		if err != nil {
			return fmt.Errorf("run %s: %w", stateOf(stats), err)
		}
		if stats.State != domain.RunCompleted {
			return fmt.Errorf("run ended %s", stats.State)
		}
		return nil
	}

	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler: %w", err)
	}
	st := sched.Stats()
	logger.Info("hoaxwatch stopped", "runs", st.Runs, "dropped_triggers", st.Dropped)
	return nil
}

func stateOf(stats *domain.RunStats) domain.RunState {
	if stats == nil {
		return domain.RunFailed
	}
	return stats.State
}

func printRunSummary(stats *domain.RunStats) {
	fmt.Fprintf(os.Stderr, "run %s %s in %s\n", stats.ID, stats.State, stats.Duration().Round(time.Millisecond))
	fmt.Fprintf(os.Stderr, "  collected %d, duplicates %d, classified %d, stored %d\n",
		stats.Collected, stats.Duplicates, stats.Classified, stats.Stored)
	fmt.Fprintf(os.Stderr, "  hoax predictions %d, fact-checks found %d, no match %d\n",
		stats.Hoaxes, stats.Verified, stats.FactCheckMisses)
	if n := stats.Failed.Total(); n > 0 {
		fmt.Fprintf(os.Stderr, "  failed %d (collect %d, classify %d, fact_check %d, store %d, publish %d)\n",
			n, stats.Failed.Collect, stats.Failed.Classify, stats.Failed.FactCheck, stats.Failed.Store, stats.Failed.Publish)
	}
}

func openReadOnly(ctx context.Context) (*storage.DB, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.Open(ctx, cfg.Database.URL, setupLogger("error"))
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return db, cfg, nil
}

func buildFilter(opts recordsOptions, loc *time.Location) (domain.RecordFilter, error) {
	f := domain.RecordFilter{
		Platforms: opts.platforms,
		Keywords:  opts.keywords,
		Limit:     opts.limit,
		Offset:    opts.offset,
	}
	for _, l := range opts.labels {
		label := domain.Label(strings.ToLower(strings.TrimSpace(l)))
		if !label.Valid() {
			return f, fmt.Errorf("--label: unknown label %q", l)
		}
		f.Labels = append(f.Labels, label)
	}
	if opts.from != "" {
		t, err := time.ParseInLocation(dateLayout, opts.from, loc)
		if err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
		f.From = t
	}
	if opts.to != "" {
		t, err := time.ParseInLocation(dateLayout, opts.to, loc)
		if err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
		f.To = t.AddDate(0, 0, 1)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, errors.New("--from must not be after --to")
	}
	return f, nil
}

func runRecords(ctx context.Context, opts recordsOptions) error {
	db, cfg, err := openReadOnly(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	loc, err := cfg.Schedule.Location()
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	filter, err := buildFilter(opts, loc)
	if err != nil {
		return err
	}

	store := storage.NewItemStore(db)
	records, err := store.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	counts, err := store.CountByLabel(ctx, filter)
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("no records found")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPLATFORM\tKEYWORD\tLABEL\tSCORE\tFACT CHECK\tDATE\tURL")
		for _, r := range records {
			check := "-"
			if r.FactCheck != nil {
				check = fmt.Sprintf("%s (%s)", r.FactCheck.Rating, r.FactCheck.Publisher)
			}
			date := r.InsertedAt
			if r.CreatedAt != nil {
				date = *r.CreatedAt
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
				r.ID, r.Platform, r.Keyword, r.Label, r.Score,
				truncate(check, 30), date.In(loc).Format(dateLayout), r.URL)
		}
		w.Flush()
	}

	fmt.Printf("\n%s: %d  %s: %d\n",
		domain.LabelHoax, counts[domain.LabelHoax],
		domain.LabelNotHoax, counts[domain.LabelNotHoax])
	return nil
}

func runRuns(ctx context.Context, limit int, jsonOutput bool) error {
	db, cfg, err := openReadOnly(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := storage.NewRunStore(db, storage.NewTransactionManager(db)).List(ctx, limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	loc, err := cfg.Schedule.Location()
	if err != nil {
		loc = time.Local
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tTRIGGER\tSTATE\tDURATION\tCOLLECTED\tDUPLICATES\tCLASSIFIED\tVERIFIED\tSTORED\tFAILED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.In(loc).Format("2006-01-02 15:04"), r.Trigger, r.State,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
			r.Collected, r.Duplicates, r.Classified, r.Verified, r.Stored, r.Failed,
			truncate(r.Error, 60))
	}
	return w.Flush()
}

func runFailures(ctx context.Context, runID string, jsonOutput bool) error {
	db, _, err := openReadOnly(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	failures, err := storage.NewRunStore(db, storage.NewTransactionManager(db)).Failures(ctx, runID)
	if err != nil {
		return fmt.Errorf("list failures: %w", err)
	}
	return printFailures(os.Stdout, failures, jsonOutput)
}

func printFailures(out io.Writer, failures []domain.Failure, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(failures)
	}

	if len(failures) == 0 {
		fmt.Fprintln(out, "no failures recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tPLATFORM\tKEYWORD\tURL\tREASON")
	for _, f := range failures {
		url := f.URL
		if url == "" {
			url = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.Stage, f.Platform, f.Keyword, url, truncate(f.Reason, 80))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
