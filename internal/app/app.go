// Package app assembles the server from configuration: model provider,
// stores, entity catalogs, documentation corpus, the three tool pipelines,
// the agent graph, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	tradewind "github.com/tradewindhq/tradewind"
	"github.com/tradewindhq/tradewind/atlas"
	"github.com/tradewindhq/tradewind/corpus"
	"github.com/tradewindhq/tradewind/internal/config"
	"github.com/tradewindhq/tradewind/internal/server"
	"github.com/tradewindhq/tradewind/observer"
	"github.com/tradewindhq/tradewind/provider/openaicompat"
	"github.com/tradewindhq/tradewind/store/postgres"
	"github.com/tradewindhq/tradewind/store/sqlite"
)

// App is the assembled server and the resources it owns.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	httpSrv *http.Server

	// Owned resources, released by Close in reverse construction order.
	pool        *pgxpool.Pool
	sqliteStore *sqlite.StateStore
	obsShutdown func(context.Context) error
}

// New builds the full object graph from cfg. ctx bounds startup work
// (store initialization, telemetry setup).
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	a := &App{cfg: cfg, logger: logger}

	// Telemetry first so everything after it can be observed.
	var inst *observer.Instruments
	var tracer tradewind.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var err error
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, cfg.Observer.Endpoint, pricing)
		if err != nil {
			return nil, fmt.Errorf("app: init observer: %w", err)
		}
		a.obsShutdown = shutdown
		tracer = observer.NewTracer()
	}

	// Model provider chain: OpenAI-compatible base, telemetry wrapper,
	// then the outbound rate limit.
	var prov tradewind.Provider = openaicompat.NewProvider(cfg.Model.APIKey, cfg.Model.Name, cfg.Model.BaseURL)
	if inst != nil {
		prov = observer.WrapProvider(prov, cfg.Model.Name, inst)
	}
	if cfg.Model.RPM > 0 || cfg.Model.TPM > 0 {
		var rlOpts []tradewind.RateLimitOption
		if cfg.Model.RPM > 0 {
			rlOpts = append(rlOpts, tradewind.RPM(cfg.Model.RPM))
		}
		if cfg.Model.TPM > 0 {
			rlOpts = append(rlOpts, tradewind.TPM(cfg.Model.TPM))
		}
		prov = tradewind.WithRateLimit(prov, rlOpts...)
	}
	model := tradewind.NewModel(prov, tradewind.ModelLogger(logger))

	// Shared remote-API budget and one breaker per endpoint.
	budget := tradewind.NewBudgetTracker(cfg.Budget.MaxQueries, cfg.Budget.Window(),
		tradewind.BudgetPerSession(cfg.Budget.PerSession))
	exploreBreaker := tradewind.NewCircuitBreaker(tradewind.CircuitBreakerConfig{
		Name:             "explore",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.Recovery(),
		Logger:           logger,
	})
	countryBreaker := tradewind.NewCircuitBreaker(tradewind.CircuitBreakerConfig{
		Name:             "countryPages",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.Recovery(),
		Logger:           logger,
	})

	exploreClient := newAtlasClient("explore", cfg.Atlas.Explore, budget, exploreBreaker, logger, tracer)
	countryClient := newAtlasClient("countryPages", cfg.Atlas.CountryPages, budget, countryBreaker, logger, tracer)

	// Trade database. Without a URL the server still runs; the SQL tool
	// reports the backend as unavailable and the catalogs stay empty.
	var tradeDB tradewind.TradeDB = unavailableDB{}
	var tradeStore *postgres.Store
	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("app: parse database url: %w", err)
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("app: connect database: %w", err)
		}
		a.pool = pool
		tradeStore = postgres.New(pool)
		tradeDB = tradeStore
	}

	// Checkpoint and conversation persistence.
	checkpoints, conversations, err := a.buildStateStores(ctx, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	countries, products, services := buildCatalogs(cfg.Catalog.TTL(), tradeStore, logger)

	// Documentation corpus: configured directory or the embedded set.
	docsFS := corpus.DefaultFS()
	if cfg.Docs.Dir != "" {
		docsFS = os.DirFS(cfg.Docs.Dir)
	}
	library, err := corpus.Load(docsFS, corpus.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: load docs corpus: %w", err)
	}

	sqlp := tradewind.NewSQLPipeline(model, tradeDB,
		tradewind.SQLTopK(cfg.Agent.TopK),
		tradewind.SQLLogger(logger))
	gqlp, err := tradewind.NewGraphQLPipeline(model, countries, products, services, exploreClient, countryClient,
		tradewind.GraphQLLogger(logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: build graphql pipeline: %w", err)
	}
	docsp := tradewind.NewDocsPipeline(model, library, tradewind.DocsLogger(logger))

	agentMode := cfg.Agent.Mode
	if !tradewind.ValidAgentMode(agentMode) {
		logger.Warn("invalid agent mode in config, using AUTO", "mode", agentMode)
		agentMode = tradewind.ModeAuto
	}
	agent := tradewind.NewAgent(model,
		tradewind.AgentMode(agentMode),
		tradewind.AgentMaxUses(cfg.Agent.MaxUses),
		tradewind.AgentTopK(cfg.Agent.TopK),
		tradewind.AgentNudge(cfg.Agent.Nudge),
		tradewind.AgentBudget(budget),
		tradewind.AgentLogger(logger))

	runnerOpts := []tradewind.RunnerOption{tradewind.RunnerLogger(logger)}
	if tracer != nil {
		runnerOpts = append(runnerOpts, tradewind.RunnerTracer(tracer))
	}
	runner := tradewind.NewRunner(agent, sqlp, gqlp, docsp, checkpoints, conversations, runnerOpts...)

	srv := server.New(runner, checkpoints, conversations,
		server.WithLogger(logger),
		server.WithTimeout(cfg.Server.RequestTimeout()),
		server.WithCatalogStats(func() []tradewind.CatalogStats {
			return []tradewind.CatalogStats{countries.Stats(), products.Stats(), services.Stats()}
		}))

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// buildStateStores picks the checkpoint backend from config.
func (a *App) buildStateStores(ctx context.Context, logger *slog.Logger) (tradewind.CheckpointStore, tradewind.ConversationStore, error) {
	switch a.cfg.Checkpoint.Backend {
	case "postgres":
		if a.pool == nil {
			return nil, nil, fmt.Errorf("app: checkpoint backend postgres requires database.url")
		}
		ss := postgres.NewStateStore(a.pool)
		if err := ss.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("app: init postgres state store: %w", err)
		}
		return ss, ss, nil
	case "sqlite":
		ss, err := sqlite.New(a.cfg.Checkpoint.Path, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("app: open sqlite state store: %w", err)
		}
		if err := ss.Init(ctx); err != nil {
			ss.Close()
			return nil, nil, fmt.Errorf("app: init sqlite state store: %w", err)
		}
		a.sqliteStore = ss
		return ss, ss, nil
	case "memory", "":
		return tradewind.NewMemoryCheckpointStore(), tradewind.NewMemoryConversationStore(), nil
	}
	return nil, nil, fmt.Errorf("app: unknown checkpoint backend %q", a.cfg.Checkpoint.Backend)
}

// newAtlasClient wires one remote GraphQL endpoint with the shared budget
// and its own breaker.
func newAtlasClient(name string, ep config.EndpointConfig, budget *tradewind.BudgetTracker, cb *tradewind.CircuitBreaker, logger *slog.Logger, tracer tradewind.Tracer) *atlas.Client {
	opts := []atlas.Option{
		atlas.WithAPIKey(ep.APIKey),
		atlas.WithBudget(budget),
		atlas.WithCircuit(cb),
		atlas.WithMaxRetries(ep.MaxRetries),
		atlas.WithBackoffBase(ep.Backoff()),
		atlas.WithHTTPClient(&http.Client{Timeout: ep.Timeout()}),
		atlas.WithLogger(logger),
	}
	if tracer != nil {
		opts = append(opts, atlas.WithTracer(tracer))
	}
	return atlas.New(name, ep.URL, opts...)
}

// buildCatalogs creates the three entity catalogs with their lookup indexes.
// Without a database the fetchers load empty datasets, so entity resolution
// degrades to "not found" instead of failing the pipeline.
func buildCatalogs(ttl time.Duration, store *postgres.Store, logger *slog.Logger) (*tradewind.Catalog[tradewind.Country], *tradewind.Catalog[tradewind.Product], *tradewind.Catalog[tradewind.Service]) {
	countries := tradewind.NewCatalog[tradewind.Country]("countries", ttl, tradewind.CatalogLogger[tradewind.Country](logger))
	countries.AddIndex("iso3", func(c tradewind.Country) (string, bool) { return c.ISO3, c.ISO3 != "" }, nil)
	countries.AddIndex("id", func(c tradewind.Country) (string, bool) {
		return strconv.Itoa(c.CountryID), c.CountryID != 0
	}, nil)
	countries.AddSearchField("name", func(c tradewind.Country) string { return c.NameEn + " " + c.NameShortEn })

	products := tradewind.NewCatalog[tradewind.Product]("products", ttl, tradewind.CatalogLogger[tradewind.Product](logger))
	products.AddIndex("code", func(p tradewind.Product) (string, bool) { return p.Code, p.Code != "" }, nil)
	products.AddIndex("id", func(p tradewind.Product) (string, bool) {
		return strconv.Itoa(p.ProductID), p.ProductID != 0
	}, nil)
	products.AddSearchField("name", func(p tradewind.Product) string { return p.NameEn + " " + p.NameShortEn })

	services := tradewind.NewCatalog[tradewind.Service]("services", ttl, tradewind.CatalogLogger[tradewind.Service](logger))
	services.AddIndex("code", func(s tradewind.Service) (string, bool) { return s.Code, s.Code != "" }, nil)
	services.AddIndex("id", func(s tradewind.Service) (string, bool) {
		return strconv.Itoa(s.ProductID), s.ProductID != 0
	}, nil)
	services.AddSearchField("name", func(s tradewind.Service) string { return s.NameEn + " " + s.NameShortEn })

	if store != nil {
		countries.SetFetcher(store.Countries)
		products.SetFetcher(goodsProducts(store.Products))
		services.SetFetcher(store.Services)
	} else {
		empty := func(context.Context) ([]tradewind.Country, error) { return nil, nil }
		countries.SetFetcher(empty)
		products.SetFetcher(func(context.Context) ([]tradewind.Product, error) { return nil, nil })
		services.SetFetcher(func(context.Context) ([]tradewind.Service, error) { return nil, nil })
	}
	return countries, products, services
}

// goodsProducts builds a catalog fetcher that merges every goods
// classification into one dataset. Index collisions resolve to the last
// entry appended, so classifications load in reverse preference order:
// HS92 codes win over HS12 and SITC.
func goodsProducts(fetch func(context.Context, string) ([]tradewind.Product, error)) func(context.Context) ([]tradewind.Product, error) {
	return func(ctx context.Context) ([]tradewind.Product, error) {
		schemas := tradewind.GoodsSchemas()
		var all []tradewind.Product
		for i := len(schemas) - 1; i >= 0; i-- {
			batch, err := fetch(ctx, schemas[i])
			if err != nil {
				return nil, fmt.Errorf("app: load %s products: %w", schemas[i], err)
			}
			all = append(all, batch...)
		}
		return all, nil
	}
}

// unavailableDB stands in for the trade database when none is configured.
type unavailableDB struct{}

var errNoDatabase = errors.New("app: trade database not configured")

func (unavailableDB) ProductsByCodes(context.Context, string, []string) ([]tradewind.Product, error) {
	return nil, errNoDatabase
}

func (unavailableDB) SearchProductsByName(context.Context, string, string, int) ([]tradewind.Product, error) {
	return nil, errNoDatabase
}

func (unavailableDB) TableInfo(context.Context, []string) (tradewind.TableInfo, error) {
	return tradewind.TableInfo{}, errNoDatabase
}

func (unavailableDB) ExecuteReadOnly(context.Context, string) ([]string, [][]any, error) {
	return nil, nil, errNoDatabase
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		a.Close()
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := a.httpSrv.Shutdown(shutdownCtx)
	<-errCh
	return errors.Join(err, a.Close())
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// Close releases owned resources in reverse construction order. Safe to
// call more than once.
func (a *App) Close() error {
	var errs []error
	if a.sqliteStore != nil {
		errs = append(errs, a.sqliteStore.Close())
		a.sqliteStore = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.obsShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.obsShutdown(ctx))
		cancel()
		a.obsShutdown = nil
	}
	return errors.Join(errs...)
}
