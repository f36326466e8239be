package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/courier-dispatch/internal/clock"
	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/dispatch"
	"github.com/example/courier-dispatch/internal/eta"
	"github.com/example/courier-dispatch/internal/geo"
	httpapi "github.com/example/courier-dispatch/internal/http"
	"github.com/example/courier-dispatch/internal/hub"
	"github.com/example/courier-dispatch/internal/ingest"
	"github.com/example/courier-dispatch/internal/matcher"
	"github.com/example/courier-dispatch/internal/orders"
	"github.com/example/courier-dispatch/internal/payments"
	"github.com/example/courier-dispatch/internal/pricing"
	"github.com/example/courier-dispatch/internal/proof"
	"github.com/example/courier-dispatch/internal/storage"
)

// app holds the wired server and everything that needs closing, in the
// order it has to be closed.
type app struct {
	handler http.Handler
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}
	clk := clock.Real()

	var store storage.OrderStore = storage.NewMemoryStore()
	var ledger payments.Ledger = payments.NewMemoryLedger()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fail(fmt.Errorf("postgres: %w", err))
		}
		a.closers = append(a.closers, func() { _ = pg.Close() })
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, pg.DB()); err != nil {
				return fail(fmt.Errorf("migrate: %w", err))
			}
			logger.Info("schema applied")
		}
		store = pg
		ledger = payments.NewPostgresLedger(pg.DB())
	} else {
		logger.Warn("PG_DSN not set, orders are kept in memory only")
	}
	if cfg.StripeAPIKey != "" {
		ledger = payments.NewStripeLedger(cfg.StripeAPIKey, cfg.Currency)
	}
	writer := storage.NewWriter(store, logger, cfg.PersistTimeout, 0)
	a.closers = append(a.closers, writer.Close)

	table := pricing.DefaultTable()
	if cfg.PriceTablePath != "" {
		t, err := pricing.LoadTable(cfg.PriceTablePath)
		if err != nil {
			return fail(fmt.Errorf("price table: %w", err))
		}
		table = t
	}
	est := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute)}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	quoter := pricing.NewQuoter(table, est)

	reg := orders.NewRegistry(orders.Config{RemovalGrace: cfg.OrderRemovalGrace, PersistTimeout: cfg.PersistTimeout}, clk, writer, quoter, logger)

	dirOpts := []dispatch.Option{dispatch.WithBusy(reg.HasActiveOrder)}
	var source matcher.Source
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		if err := rg.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, presence stays in process", "addr", cfg.RedisAddr, "err", err)
			_ = rg.Close()
		} else {
			a.closers = append(a.closers, func() { _ = rg.Close() })
			dirOpts = append(dirOpts, dispatch.WithMirror(rg))
			source = matcher.RedisSource{Geo: rg, Limit: cfg.MatcherTopN * 4}
		}
	}
	if cfg.PushEndpoint != "" {
		dirOpts = append(dirOpts, dispatch.WithPush(dispatch.NewHTTPPusher(cfg.PushEndpoint, "")))
	}
	presence := dispatch.NewDirectory(clk, logger, dirOpts...)
	a.closers = append(a.closers, presence.Close)
	if source == nil {
		source = presence
	}

	var hubOpts []hub.Option
	if len(cfg.KafkaBrokers) > 0 {
		locations := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		events := ingest.NewEventProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		a.closers = append(a.closers, func() {
			_ = locations.Close()
			_ = events.Close()
		})
		hubOpts = append(hubOpts, hub.WithLocations(locations), hub.WithEvents(events))
	}

	var proofs proof.Store = proof.NewMemoryStore()
	if cfg.ProofBucket != "" {
		s3, err := proof.NewS3Store(ctx, cfg.AWSRegion, cfg.ProofBucket)
		if err != nil {
			return fail(fmt.Errorf("proof store: %w", err))
		}
		proofs = s3
	}

	coord := matcher.NewCoordinator(cfg.OfferWindow, clk, reg, presence, writer, logger)
	reg.OnRemove(coord.Forget)
	locator := &matcher.Locator{Source: source, TopN: cfg.MatcherTopN}

	settler := payments.NewSettler(cfg.CommissionRate, ledger, logger)
	job := payments.NewReconcileJob(settler, cfg.ReconcileSchedule, logger)
	if err := job.Start(); err != nil {
		return fail(fmt.Errorf("reconcile job: %w", err))
	}
	a.closers = append(a.closers, job.Stop)

	h := hub.New(hub.Config{MatchRadiusKm: cfg.MatchRadiusKm, PersistTimeout: cfg.PersistTimeout},
		reg, presence, locator, coord, settler, proofs, logger, hubOpts...)
	a.handler = httpapi.NewServer(h, logger)
	return a, nil
}
