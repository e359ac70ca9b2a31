package main

import (
	"context"
	"flag"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/hipsview/internal/app/viewer"
	"github.com/mohammed-shakir/hipsview/internal/atlas"
	"github.com/mohammed-shakir/hipsview/internal/cache/redisstore"
	"github.com/mohammed-shakir/hipsview/internal/camera"
	"github.com/mohammed-shakir/hipsview/internal/compositor"
	"github.com/mohammed-shakir/hipsview/internal/core/config"
	"github.com/mohammed-shakir/hipsview/internal/core/httpclient"
	"github.com/mohammed-shakir/hipsview/internal/core/observability"
	"github.com/mohammed-shakir/hipsview/internal/core/server"
	"github.com/mohammed-shakir/hipsview/internal/fetch"
	"github.com/mohammed-shakir/hipsview/internal/hotness/expdecay"
	"github.com/mohammed-shakir/hipsview/internal/hotness/metricswrap"
	"github.com/mohammed-shakir/hipsview/internal/invalidation"
	"github.com/mohammed-shakir/hipsview/internal/logger"
	"github.com/mohammed-shakir/hipsview/internal/metrics"
	"github.com/mohammed-shakir/hipsview/internal/survey"
	"github.com/mohammed-shakir/hipsview/internal/tileevents"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// overriding survey via flag
	surveyFlag := flag.String("survey", "", "survey id from the catalog")
	flag.Parse()

	cfg := config.FromEnv()
	if *surveyFlag != "" {
		cfg.Survey = strings.TrimSpace(*surveyFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   0,
		Survey:    cfg.Survey,
		Component: "hipsview",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	catalog, err := survey.LoadCatalog(cfg.SurveysFile)
	if err != nil {
		appLog.Error("load survey catalog", "err", err)
		return 1
	}
	entry, ok := catalog.Find(cfg.Survey)
	if !ok {
		appLog.Error("survey not in catalog", "survey", cfg.Survey, "file", cfg.SurveysFile)
		return 1
	}
	if cfg.Format != "" {
		entry.Format = cfg.Format
	}
	sc, err := entry.Config()
	if err != nil {
		appLog.Error("survey configuration", "err", err)
		return 1
	}

	observability.SetSurvey(sc.ID)
	var (
		metricsHandler http.Handler
		registerer     prometheus.Registerer
	)
	metricsPath := "/metrics"
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		observability.Init(p.Registerer())
		metricsHandler, metricsPath = p.Handler(), p.Path()
		registerer = p.Registerer()
	} else {
		observability.ExposeBuildInfo(Version)
	}

	appLog.Info("starting hipsview",
		"addr", cfg.Addr,
		"version", Version,
		"survey", sc.ID,
		"format", sc.Format.String(),
		"max_order", sc.MaxOrder,
		"texture_size", sc.TextureSize,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fopts := []fetch.Option{
		fetch.WithHTTPClient(httpclient.NewOutbound(cfg.Fetch.Timeout)),
		fetch.WithLogger(appLog.With("component", "fetch")),
	}

	if cfg.Redis.Enabled {
		store, err := redisstore.New(ctx, cfg.Redis.Addr)
		if err != nil {
			// the shared tier is optional
			appLog.Warn("redis unavailable, running without shared tile store", "addr", cfg.Redis.Addr, "err", err)
		} else {
			defer func() { _ = store.Close() }()
			fopts = append(fopts, fetch.WithStore(store), fetch.WithFillPolicy(fetch.FillPolicy{
				Threshold: cfg.Redis.FillThreshold,
				Cold:      cfg.Redis.TTLCold,
				Warm:      cfg.Redis.TTLWarm,
				Hot:       cfg.Redis.TTLHot,
			}))
		}
	}

	if cfg.Events.Enabled {
		pub, err := tileevents.NewPublisher(tileevents.Config{
			Brokers:    cfg.Events.Brokers,
			Topic:      cfg.Events.Topic,
			Queue:      cfg.Events.Queue,
			FlushEvery: cfg.Events.FlushEvery,
		}, zl.With().Str("component", "tileevents").Logger())
		if err != nil {
			appLog.Warn("tile events disabled", "brokers", cfg.Events.Brokers, "err", err)
		} else {
			tileevents.InitGlobal(pub)
			defer func() { _ = tileevents.CloseGlobal() }()
		}
	}

	tracker := expdecay.New(cfg.Fetch.HotHalfLife)
	var hotOpts []metricswrap.Option
	if cfg.Fetch.HotThreshold > 0 {
		hotOpts = append(hotOpts, metricswrap.WithThreshold(cfg.Fetch.HotThreshold, 0.1, zl.With().Str("component", "hotness").Logger()))
	}
	hot := metricswrap.New(tracker, hotOpts...)
	fopts = append(fopts, fetch.WithHotness(hot))
	go pruneHotness(ctx, tracker)

	fetcher, err := fetch.New(fetch.Config{
		Workers:      cfg.Fetch.Workers,
		Queue:        cfg.Fetch.Queue,
		Timeout:      cfg.Fetch.Timeout,
		StoreTimeout: cfg.Redis.OpTimeout,
		TTL:          cfg.Redis.TTL,
		DecodedLRU:   cfg.Fetch.DecodedLRU,
		L1CacheMB:    cfg.Fetch.L1CacheMB,
	}, fopts...)
	if err != nil {
		appLog.Error("fetcher setup failed", "err", err)
		return 1
	}
	fetcher.Start(ctx)
	defer func() { _ = fetcher.Close() }()

	comp, err := compositor.New(sc, compositor.Config{
		FullSkyAperture: cfg.FullSkyApertureDeg * math.Pi / 180,
		BlendDuration:   cfg.BlendDuration,
		Colormap:        cfg.Colormap,
	},
		compositor.WithCanceler(fetcher),
		compositor.WithLogger(appLog.With("component", "compositor")),
		compositor.WithAtlasOptions(atlas.WithLayout(cfg.AtlasSlotsPerSide, cfg.AtlasSlices)),
	)
	if err != nil {
		appLog.Error("compositor setup failed", "err", err)
		return 1
	}

	cam := camera.New(cfg.ViewWidth, cfg.ViewHeight, sc.Frame)
	cam.SetTextureSize(sc.TextureSize)
	v := viewer.New(comp, cam, fetcher, cfg.FrameInterval, appLog.With("component", "viewer"),
		viewer.WithForgetter(fetcher),
	)
	go func() {
		if err := v.Run(ctx); err != nil {
			appLog.Error("frame loop exited", "err", err)
		}
	}()

	icfg := invalidation.DefaultConfig()
	icfg.Enabled = cfg.Invalidation.Enabled
	icfg.Brokers = cfg.Events.Brokers
	icfg.Topic = cfg.Invalidation.Topic
	icfg.GroupID = cfg.Invalidation.GroupID
	icfg.InitialOldest = cfg.Invalidation.InitialOldest
	icfg.MaxDepth = uint8(cfg.Invalidation.MaxDepth)
	inval := invalidation.New(icfg, v, invalidation.Options{
		Logger:   appLog.With("component", "invalidation"),
		Register: registerer,
		Hotness:  hot,
	})
	if err := inval.Start(ctx); err != nil {
		// tiles still refresh when their TTL expires
		appLog.Warn("invalidation consumer disabled", "err", err)
	}
	defer inval.Stop()

	srvCfg := server.Config{Addr: cfg.Addr, MetricsPath: metricsPath, CORSOrigins: cfg.CORSOrigins}
	if err := server.Run(ctx, srvCfg, appLog, metricsHandler, v); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// pruneHotness drops regions whose score has decayed to noise.
func pruneHotness(ctx context.Context, t *expdecay.Tracker) {
	tick := time.NewTicker(t.HalfLife())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n := t.Prune(0.01); n > 0 {
				observability.SetHotCells(t.Size())
			}
		}
	}
}
