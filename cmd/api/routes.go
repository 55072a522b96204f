package main

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"call-intake/internal/assembly"
	"call-intake/internal/audit"
	"call-intake/internal/config"
	"call-intake/internal/filter"
	"call-intake/internal/httpapi"
	"call-intake/internal/ingest"
	"call-intake/internal/intake"
	"call-intake/internal/metrics"
	"call-intake/internal/pipeline"
	"call-intake/internal/routing"
	"call-intake/internal/sheet"
	"call-intake/internal/tasks"
	"call-intake/internal/telephony"
	"call-intake/internal/tenant"
	"call-intake/internal/wallet"
	"call-intake/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type app struct {
	cfg     config.Config
	db      *sql.DB
	tenants *tenant.PostgresStore
	tasks   *tasks.PostgresRepo
	ledger  *wallet.Service
	intake  *intake.Intake
	pollers []*intake.PollWorker
	retrier *intake.Retrier
}

// buildApp wires repositories, collaborators and workers. No I/O happens here.
func buildApp(cfg config.Config, db *sql.DB, rdb *redis.Client) *app {
	tenants := tenant.NewPostgresStore(db)
	taskRepo := tasks.NewPostgresRepo(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	ledger := wallet.NewService(wallet.NewPostgresRepo(db), tenants, auditSvc)
	attempts := ingest.NewStore(ingest.NewPostgresRepo(db),
		ingest.WithTTL(cfg.Ingest.AttemptTTL),
		ingest.WithBatchSize(cfg.Ingest.BulkBatchSize),
	)

	httpClient := &http.Client{Timeout: 60 * time.Second}
	ai := assembly.NewClient(assembly.Config{
		BaseURL: cfg.Assembly.BaseURL,
		APIKey:  cfg.Assembly.APIKey,
		Timeout: cfg.Assembly.Timeout,
	}, httpClient)
	sink := sheet.NewSink(cfg.Reports.OutputDir, cfg.Location())
	runner := pipeline.New(taskRepo, ledger, ai, ai, sink)

	registry := telephony.DefaultRegistry()
	deps := telephony.Deps{
		HTTP:     httpClient,
		Tokens:   tenants,
		Retry:    utils.DefaultRetryPolicy(),
		Location: cfg.Location(),
	}
	in := intake.New(intake.Config{
		Location:  cfg.Location(),
		Region:    cfg.Filter.DefaultRegion,
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
	}, tenants, registry, deps, attempts, routing.NewSelector(filter.NewEngine()), runner, taskRepo)

	locker := intake.NewRedisLocker(rdb)
	cursors := intake.NewRedisCursors(rdb)
	var pollers []*intake.PollWorker
	for _, k := range registry.Kinds() {
		if telephony.IsPoller(k) {
			pollers = append(pollers, intake.NewPollWorker(k, in, cursors, cfg.Ingest.PollInterval, intake.WithLocker(locker)))
		}
	}

	return &app{
		cfg:     cfg,
		db:      db,
		tenants: tenants,
		tasks:   taskRepo,
		ledger:  ledger,
		intake:  in,
		pollers: pollers,
		retrier: intake.NewRetrier(in, auditSvc, cfg.Ingest.RetryInterval, locker),
	}
}

func (a *app) start(ctx context.Context, wg *sync.WaitGroup) {
	a.intake.Start(ctx)
	for _, p := range a.pollers {
		wg.Add(1)
		go func(p *intake.PollWorker) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.retrier.Run(ctx)
	}()
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app) {
	r.Use(metrics.Middleware())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpapi.Handlers{
		Intake:     a.intake,
		Accounts:   a.tenants,
		Tasks:      a.tasks,
		Ledger:     a.ledger,
		AdminToken: a.cfg.Admin.Token,
		Ready: func(ctx context.Context) error {
			return utils.HealthCheck(ctx, a.db, 2*time.Second)
		},
	}.Register(r)
}
