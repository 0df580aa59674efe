package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/wfs-engine/internal/core/config"
	"github.com/mohammed-shakir/wfs-engine/internal/core/observability"
	"github.com/mohammed-shakir/wfs-engine/internal/core/server"
	"github.com/mohammed-shakir/wfs-engine/internal/logger"
	"github.com/mohammed-shakir/wfs-engine/internal/store/catalog"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/capabilities"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/crs"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/events"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/layers"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/planner"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/storedquery"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/txn"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/worker"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "wfs-server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting wfs server",
		"addr", cfg.Addr,
		"version", Version,
		"store", cfg.StoreDriver,
		"transactions", cfg.Transactions)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalogCRS := buildCRSRegistry()

	ls, stores, err := catalog.Load(ctx, cfg.DataDir, catalog.Options{
		Driver:    cfg.StoreDriver,
		RedisAddr: cfg.RedisAddr,
		H3Res:     cfg.H3Res,
		Log:       appLog,
	})
	if err != nil {
		appLog.Error("catalog load failed", "err", err)
		return 1
	}
	registry := layers.NewRegistry(ls, stores)
	appLog.Info("catalog loaded", "layers", len(ls), "stores", len(stores))

	sink, err := storedquery.NewFileSink(cfg.DataDir)
	if err != nil {
		appLog.Error("stored query sink setup failed", "err", err)
		return 1
	}
	stored, err := storedquery.New(ctx, sink, cfg.StoredQueryKey)
	if err != nil {
		appLog.Error("stored query registry setup failed", "err", err)
		return 1
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.Events.Enabled {
		kp, err := events.NewKafka(strings.Split(cfg.Events.Brokers, ","), cfg.Events.Topic, appLog)
		if err != nil {
			appLog.Error("kafka publisher setup failed", "err", err)
			return 1
		}
		defer func() { _ = kp.Close() }()
		publisher = kp
	}

	caps := capabilities.NewBuilder(registry, catalogCRS, capabilities.ServiceMetadata{
		Title:    os.Getenv("SERVICE_TITLE"),
		Abstract: os.Getenv("SERVICE_ABSTRACT"),
		Provider: capabilities.ServiceProvider{Name: os.Getenv("SERVICE_PROVIDER")},
	}, worker.SupportedVersions, cfg.Transactions, []string{"EPSG:3857"}, cfg.CapabilitiesCacheMax, appLog)

	pl := planner.New(registry, catalogCRS, appLog)
	engine := txn.NewEngine(registry, catalogCRS, publisher, appLog, cfg.Transactions, cfg.TransactionSecurity)
	wk := worker.New(registry, pl, engine, stored, caps, catalogCRS, appLog)

	if err := server.Run(ctx, cfg, appLog, wk, stores); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

const earthRadius = 6378137.0

// buildCRSRegistry registers the reference systems served out of the box:
// geographic WGS 84 and spherical mercator, with transforms both ways.
func buildCRSRegistry() *crs.Registry {
	r := crs.NewRegistry()
	r.Register(crs.CRS{Code: "EPSG:3857", Name: "WGS 84 / Pseudo-Mercator"})
	r.RegisterTransform("EPSG:4326", "EPSG:3857", func(x, y float64) (float64, float64) {
		mx := earthRadius * x * math.Pi / 180
		my := earthRadius * math.Log(math.Tan(math.Pi/4+y*math.Pi/360))
		return mx, my
	})
	r.RegisterTransform("EPSG:3857", "EPSG:4326", func(x, y float64) (float64, float64) {
		lon := x / earthRadius * 180 / math.Pi
		lat := (2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2) * 180 / math.Pi
		return lon, lat
	})
	return r
}
