package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fxshare/detectord/internal/api"
	"github.com/fxshare/detectord/internal/classifier"
	"github.com/fxshare/detectord/internal/config"
	"github.com/fxshare/detectord/internal/database"
	"github.com/fxshare/detectord/internal/ingest"
	"github.com/fxshare/detectord/internal/logline"
	"github.com/fxshare/detectord/internal/panel"
	"github.com/fxshare/detectord/internal/roster"
	"github.com/fxshare/detectord/internal/sinks"
	"github.com/fxshare/detectord/internal/tracker"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "detectord",
		Short: "detectord - VPN subscription-sharing detection engine",
		Long: `detectord ingests access-log lines shipped from edge collectors,
tracks per-user concurrent IP usage over sliding windows, and escalates
sustained device-limit violators into a persistent banlist.`,
		RunE: run,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file path")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("detectord %s (built %s)\n", Version, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := setupLogging(logLevel, logFormat)

	log.Info().Str("version", Version).Str("build_time", BuildTime).Msg("starting detectord")

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	if !cmd.Flags().Changed("log-level") && cfg.Logging.Level != "" {
		log = setupLogging(cfg.Logging.Level, cfg.Logging.Format)
	}

	trk := tracker.New(cfg.Detection.RecentRequestsCapacity, cfg.Detection.RetentionPeriod)

	panelClient := panel.New(cfg.Panel.URL, cfg.Panel.Token, &http.Client{Timeout: cfg.Panel.FetchTimeout}, log)
	rosterCache := roster.New(panelClient, cfg.Panel.PageSize, cfg.Panel.PollInterval, cfg.Panel.FetchTimeout, cfg.Whitelist, log)

	persist := buildPersist(cfg, log)
	notify := buildNotify(cfg, log)
	enrich := buildEnrich(cfg, log)

	clsCfg := classifier.Config{
		ConcurrentWindow:     cfg.Detection.ConcurrentWindow,
		TriggerPeriod:        cfg.Detection.TriggerPeriod,
		TriggerCount:         cfg.Detection.TriggerCount,
		BanlistThreshold:     cfg.Detection.BanlistThreshold,
		ClearHysteresisTicks: cfg.Detection.ClearHysteresisTicks,
	}
	cls := classifier.New(clsCfg, trk, rosterCache, persist, notify, enrich, log)
	cls.SetMetrics(classifierMetrics{})
	rosterCache.SetMetrics(rosterMetrics{})

	if err := cls.Hydrate(); err != nil {
		log.Warn().Err(err).Msg("failed to hydrate banlist from persistence")
	}

	bridge := newIngestBridge(trk)
	parser := logline.New(cfg.Ingest.SubnetGroup)
	ingestSrv := ingest.New(cfg.Ingest.BindAddr, cfg.Ingest.IdleTimeout, parser, bridge, log)

	apiCfg := api.Config{
		BindAddr:         cfg.API.BindAddr,
		Token:            cfg.API.Token,
		RequestTimeout:   cfg.API.RequestTimeout,
		CORSOrigins:      cfg.API.CORSOrigins,
		ConcurrentWindow: cfg.Detection.ConcurrentWindow,
		RateLimitEnabled: cfg.API.RateLimit.Enabled,
		RateLimitPerMin:  cfg.API.RateLimit.PerMinute,
	}
	apiSrv := api.New(apiCfg, trk, rosterCache, cls, ingestSrv, bridge, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ingestSrv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start ingest server")
		os.Exit(1)
	}

	go rosterCache.Start(ctx)

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			log.Error().Err(err).Msg("query api server error")
		}
	}()

	go runClassifierLoop(ctx, cls, trk, cfg.Detection.TickInterval, log)
	go runPruneLoop(ctx, trk, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()
	ingestSrv.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down query api")
	}

	if wn, ok := notify.(*sinks.WebhookNotifier); ok {
		wn.Stop()
	}

	log.Info().Msg("detectord stopped")
	return nil
}

// runClassifierLoop drives the classifier tick on T_cls, per spec.md §4.3.
func runClassifierLoop(ctx context.Context, cls *classifier.Classifier, trk *tracker.Tracker, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			start := time.Now()
			cls.Tick(now)
			api.ClassifierTickDuration.Observe(time.Since(start).Seconds())
			refreshGauges(cls, trk)
		}
	}
}

// runPruneLoop evicts stale observations and clean-stage users, per §4.2.
func runPruneLoop(ctx context.Context, trk *tracker.Tracker, log zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trk.Prune(time.Now())
		}
	}
}

func refreshGauges(cls *classifier.Classifier, trk *tracker.Tracker) {
	emails := trk.Emails()
	api.UsersTracked.Set(float64(len(emails)))

	violators := 0
	banlisted := 0
	for _, email := range emails {
		u, ok := trk.Get(email)
		if !ok {
			continue
		}
		switch u.Stage() {
		case tracker.StageViolator:
			violators++
		case tracker.StageBanlisted:
			violators++
			banlisted++
		}
	}
	api.ViolatorsGauge.Set(float64(violators))
	api.BanlistGauge.Set(float64(banlisted))
}

func buildPersist(cfg *config.Config, log zerolog.Logger) classifier.Persist {
	if !cfg.Database.Enabled {
		return nil
	}
	db, err := database.New(cfg.Database.Path, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to open banlist database, persistence disabled")
		return nil
	}
	return db.Banlist
}

func buildNotify(cfg *config.Config, log zerolog.Logger) classifier.Notify {
	if !cfg.Notify.Enabled {
		return nil
	}
	return sinks.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout, cfg.Notify.QueueSize, log)
}

func buildEnrich(cfg *config.Config, log zerolog.Logger) classifier.Enrich {
	if !cfg.Enrich.Enabled {
		return nil
	}
	return sinks.NewISPEnricher(cfg.Enrich.URL, cfg.Enrich.Timeout, cfg.Enrich.CacheTTL, log)
}

// ingestBridge adapts the tracker to the ingest server's Sink contract and
// doubles as the query API's request-counter, so the "requests seen" stat
// reflects every line that made it past parsing, not a separately tracked
// figure that could drift from it.
type ingestBridge struct {
	trk          *tracker.Tracker
	requestsSeen atomic.Uint64
}

func newIngestBridge(trk *tracker.Tracker) *ingestBridge {
	return &ingestBridge{trk: trk}
}

func (b *ingestBridge) Record(ev *logline.Event, rawLine string) {
	b.trk.Record(ev.Email, tracker.Observation{
		IP:          ev.SourceIP,
		RawIP:       ev.RawSourceIP,
		NodeID:      ev.NodeID,
		ObservedAt:  ev.ObservedAt,
		Protocol:    ev.Protocol,
		Destination: ev.Destination,
		Action:      ev.Action,
	})
	b.requestsSeen.Add(1)
	api.LinesIngestedTotal.Inc()
}

func (b *ingestBridge) RejectParse(reason logline.RejectReason) {
	api.RejectsTotal.WithLabelValues(string(reason)).Inc()
}

func (b *ingestBridge) RequestsSeen() uint64 {
	return b.requestsSeen.Load()
}

// classifierMetrics adapts the classifier's failure-metrics capability
// interface to the process-wide Prometheus registry.
type classifierMetrics struct{}

func (classifierMetrics) PersistFailure(email string) {
	api.PersistFailuresTotal.Inc()
}

// rosterMetrics adapts the roster cache's failure-metrics capability
// interface to the process-wide Prometheus registry.
type rosterMetrics struct{}

func (rosterMetrics) FetchFailure() {
	api.RosterFetchFailuresTotal.Inc()
}

func setupLogging(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var log zerolog.Logger
	if format == "json" {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log = zerolog.New(output).With().Timestamp().Logger()
	}
	return log
}
