package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/branport/shrinkd/internal/api"
	"github.com/branport/shrinkd/internal/config"
	"github.com/branport/shrinkd/internal/events"
	"github.com/branport/shrinkd/internal/log"
	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/notify"
	"github.com/branport/shrinkd/internal/postproc"
	"github.com/branport/shrinkd/internal/probe"
	"github.com/branport/shrinkd/internal/runner"
	"github.com/branport/shrinkd/internal/stage"
	"github.com/branport/shrinkd/internal/store"
	"github.com/branport/shrinkd/internal/supervisor"
	"github.com/branport/shrinkd/internal/util"
	"github.com/branport/shrinkd/internal/watchdog"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Console: cfg.LogConsole})
	logger := log.WithComponent("daemon")
	logger.Info().Str("version", appVersion).Msg("shrinkd starting")

	if err := util.EnsureDirectory(cfg.TempDir); err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	bus := events.NewBus()
	defer bus.Close()

	prober := probe.New()
	if !prober.Available() {
		logger.Warn().Msg("mediainfo not found on PATH; analysis will pause on first use")
	}

	var movies, series *notify.Client
	if cfg.Movies.BaseURL != "" {
		movies = notify.NewClient(media.ServiceMovies, cfg.Movies.BaseURL, cfg.Movies.APIKey)
	}
	if cfg.Series.BaseURL != "" {
		series = notify.NewClient(media.ServiceSeries, cfg.Series.BaseURL, cfg.Series.APIKey)
	}
	post := postproc.New(st, prober, notify.NewDispatcher(movies, series))

	// One runner per subprocess stage keeps the single-worker invariant at
	// the process level: the stage owns the only handle.
	searchRunner := runner.New(media.StageCRFSearch, cfg.ToolPath, cfg.TempDir, cfg.SearchTimeout)
	encodeRunner := runner.New(media.StageEncode, cfg.ToolPath, cfg.TempDir, cfg.EncodingTimeout)

	analyzer := stage.NewAnalyzer(st, prober, bus)
	search := stage.NewSearch(st, searchRunner, bus, cfg.VMAFTarget)
	encode := stage.NewEncode(st, encodeRunner, bus, post, cfg.TempDir)

	analysisPipe := stage.NewPipeline(media.StageAnalysis, st, analyzer, bus, 25, cfg.RateLimitMessages)
	searchPipe := stage.NewPipeline(media.StageCRFSearch, st, search, bus, 1, cfg.RateLimitMessages)
	encodePipe := stage.NewPipeline(media.StageEncode, st, encode, bus, 1, cfg.RateLimitMessages)
	analyzer.Bind(analysisPipe)
	search.Bind(searchPipe)
	encode.Bind(encodePipe)

	pipelines := map[media.Stage]*stage.Pipeline{
		media.StageAnalysis:  analysisPipe,
		media.StageCRFSearch: searchPipe,
		media.StageEncode:    encodePipe,
	}

	searchDog := watchdog.New(media.StageCRFSearch, bus,
		cfg.SearchWatchdog.WarnThreshold, cfg.SearchWatchdog.KillThreshold, runner.Kill)
	encodeDog := watchdog.New(media.StageEncode, bus,
		cfg.EncodeWatchdog.WarnThreshold, cfg.EncodeWatchdog.KillThreshold, runner.Kill)

	server := api.New(st, bus, pipelines)

	// Completed stages poke the next one so freshly eligible rows are
	// picked up without waiting for the poll fallback.
	go chainStages(parent, bus, pipelines)

	sup := supervisor.New()
	sup.Add("pipeline/analyzer", analysisPipe.Run)
	sup.Add("pipeline/crf_search", searchPipe.Run)
	sup.Add("pipeline/encoder", encodePipe.Run)
	sup.Add("watchdog/crf_search", searchDog.Run)
	sup.Add("watchdog/encoder", encodeDog.Run)
	sup.Add("api", func(ctx context.Context) error {
		return server.Serve(ctx, cfg.ListenAddr)
	})

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup.Run(ctx)
	logger.Info().Msg("shrinkd stopped")
	return nil
}

// chainStages forwards completion events downstream: an analyzed video is
// search work, a searched video is encode work.
func chainStages(ctx context.Context, bus *events.Bus, pipelines map[media.Stage]*stage.Pipeline) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if ev.Type != events.TypeCompleted {
				continue
			}
			switch ev.Stage {
			case media.StageAnalysis:
				pipelines[media.StageCRFSearch].Producer().DispatchAvailable()
			case media.StageCRFSearch:
				pipelines[media.StageEncode].Producer().DispatchAvailable()
			}
		}
	}
}
