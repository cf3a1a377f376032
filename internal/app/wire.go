package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/solarb/internal/blob/s3"
	"github.com/alanyoungcy/solarb/internal/cache/redis"
	"github.com/alanyoungcy/solarb/internal/config"
	"github.com/alanyoungcy/solarb/internal/crypto"
	"github.com/alanyoungcy/solarb/internal/dispatch"
	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/executor"
	"github.com/alanyoungcy/solarb/internal/lander"
	"github.com/alanyoungcy/solarb/internal/multileg"
	"github.com/alanyoungcy/solarb/internal/network"
	"github.com/alanyoungcy/solarb/internal/notify"
	"github.com/alanyoungcy/solarb/internal/observability"
	"github.com/alanyoungcy/solarb/internal/platform/jito"
	"github.com/alanyoungcy/solarb/internal/platform/jupiter"
	"github.com/alanyoungcy/solarb/internal/platform/solana"
	"github.com/alanyoungcy/solarb/internal/platform/titan"
	"github.com/alanyoungcy/solarb/internal/profit"
	"github.com/alanyoungcy/solarb/internal/server/handler"
	"github.com/alanyoungcy/solarb/internal/service"
	"github.com/alanyoungcy/solarb/internal/store/postgres"
	"github.com/alanyoungcy/solarb/internal/strategy"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Observability
	Registry *prometheus.Registry
	Recorder domain.Recorder

	// Network identities
	Allocator *network.Allocator
	Clients   *network.ClientPool

	// Engine
	Orchestrator *multileg.Orchestrator
	Dispatcher   *dispatch.Dispatcher
	Executor     *executor.Executor
	Blockhashes  *solana.BlockhashCache
	TipStream    *jito.TipStream

	// Stores and caches, nil when the backing service is disabled
	ExecutionStore domain.ExecutionStore
	RateLimiter    domain.RateLimiter
	LockManager    domain.LockManager
	SignalBus      domain.SignalBus

	// Blob storage
	Catalog  domain.RouteCatalog
	Archiver *s3blob.ExecutionArchiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks feed GET /api/health.
	HealthChecks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode, err := executor.ParseMode(strings.ToLower(cfg.Mode))
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	strategyKind, err := domain.ParseDispatchStrategy(cfg.Lander.Strategy)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}

	deps := &Dependencies{HealthChecks: map[string]handler.Check{}}

	// --- Metrics ---
	deps.Registry = prometheus.NewRegistry()
	recorders := observability.Multi{observability.NewLogRecorder(logger)}
	if cfg.Metrics.Enabled {
		deps.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prom, err := observability.NewPromRecorder(cfg.Metrics.Namespace, deps.Registry)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: metrics: %w", err)
		}
		recorders = append(recorders, prom)
	}
	deps.Recorder = recorders

	// --- Wallet (not needed to only quote) ---
	var signer *crypto.Signer
	if mode != executor.ModeQuoteOnly {
		signer, err = crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			KeypairPath:      cfg.Wallet.KeypairPath,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		logger.InfoContext(ctx, "wallet loaded", slog.String("payer", signer.Address()))
	}

	// --- Network identities ---
	inv, err := network.NewInventory(network.InventoryConfig{
		ManualIPs:        cfg.Network.IPs,
		Blacklist:        cfg.Network.Blacklist,
		EnableMultipleIP: cfg.Network.EnableMultipleIP,
		AllowLoopback:    cfg.Network.AllowLoopback,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: network inventory: %w", err)
	}
	deps.Allocator, err = network.NewAllocator(inv, network.Config{
		PerIdentityLimit: cfg.Network.PerIdentityLimit,
		LongLivedLimit:   cfg.Network.LongLivedLimit,
		AcquireTimeout:   cfg.Network.AcquireTimeout.Duration,
		Cooldown: network.CooldownConfig{
			RateLimitedFloor: cfg.Network.RateLimitedCooldown.Duration,
			TimeoutFloor:     cfg.Network.TimeoutCooldown.Duration,
			Max:              cfg.Network.MaxCooldown.Duration,
		},
	}, deps.Recorder, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: allocator: %w", err)
	}
	deps.Clients = network.NewClientPool(cfg.Network.ClientTimeout.Duration)
	logger.InfoContext(ctx, "network identities ready",
		slog.Int("identities", inv.Len()),
		slog.Bool("manual", inv.Manual()),
		slog.Int("capacity", deps.Allocator.Capacity()),
	)

	// --- Redis ---
	var altStore domain.LookupTableStore
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient, venueLimits(cfg))
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		altStore = redis.NewLookupTableStore(redisClient, cfg.Redis.LookupTableTTL.Duration)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.ExecutionStore = postgres.NewExecutionStore(pgClient.Pool())
		deps.HealthChecks["postgres"] = pgClient.Pool().Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		writer := s3blob.NewWriter(s3Client)
		deps.Catalog = s3blob.NewRouteCatalog(s3blob.NewReader(s3Client), writer, cfg.S3.CatalogPrefix)
		// Archiving reads back from Postgres.
		if deps.ExecutionStore != nil {
			deps.Archiver = s3blob.NewExecutionArchiver(writer, deps.ExecutionStore, cfg.S3.ArchiveBatch)
		}
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Throttle.Duration, logger)

	// --- Venues ---
	providers, closeVenues := wireVenues(cfg, deps, logger)
	closers = append(closers, closeVenues)
	if len(providers) == 0 {
		return fail(fmt.Errorf("wire: no venue enabled"))
	}

	// --- Chain state ---
	rpcClient := solana.NewRPCClient(cfg.RPC.Endpoint, deps.Clients.For(nil))
	deps.Blockhashes = solana.NewBlockhashCache(rpcClient, cfg.RPC.BlockhashTTL.Duration, logger)
	deps.HealthChecks["rpc"] = func(ctx context.Context) error {
		_, _, err := deps.Blockhashes.Latest(ctx)
		return err
	}
	endpoint := cfg.RPC.Endpoint
	tables := solana.NewLookupTableCache(func(c *http.Client) solana.AccountFetcher {
		return solana.NewRPCClient(endpoint, c)
	}, altStore, logger)
	tables.SetLeases(deps.Allocator, deps.Clients)

	// --- Multi-leg orchestrator ---
	pairs := make([]domain.TradePair, len(cfg.Pairs))
	for i, p := range cfg.Pairs {
		pairs[i] = domain.TradePair{Base: domain.Asset(p.Base), Quote: domain.Asset(p.Quote)}
	}
	build := domain.BuildContext{
		ComputeUnitPrice:  cfg.Lander.ComputeUnitPrice,
		WrapAndUnwrapSOL:  cfg.Multileg.WrapAndUnwrapSOL,
		UseSharedAccounts: cfg.Multileg.UseSharedAccounts,
	}
	if signer != nil {
		build.Payer = signer.Address()
	}
	deps.Orchestrator = multileg.New(multileg.Config{
		Pairs:           pairs,
		SlippageBps:     uint16(cfg.Multileg.SlippageBps),
		Build:           build,
		PlanConcurrency: cfg.Multileg.PlanConcurrency,
		AllowSameVenue:  cfg.Multileg.AllowSameVenue,
	}, providers, deps.Allocator, tables,
		multileg.NewStreamLimiter(cfg.Multileg.StreamConcurrency, cfg.Multileg.StreamDebounce.Duration),
		deps.Recorder, logger)
	deps.Orchestrator.SetAlerter(deps.Notifier)

	// --- Tips and profit ---
	var (
		ceiling profit.CeilingSource
		floor   lander.TipFloorSource
	)
	if cfg.Jito.TipStreamEnabled {
		level, err := jito.ParseLevel(cfg.Jito.TipLevel)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		ceilingLevel, err := jito.ParseLevel(cfg.Jito.CeilingLevel)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.TipStream = jito.NewTipStream(jito.TipStreamConfig{
			URL:          cfg.Jito.TipStreamURL,
			Level:        level,
			CeilingLevel: ceilingLevel,
			Cap:          cfg.Jito.TipCap,
		}, logger)
		ceiling = deps.TipStream
		floor = deps.TipStream
	}
	tip, err := profit.NewTipPolicy(profit.TipConfig{
		Kind:       cfg.Profit.Tip.Kind,
		Fixed:      cfg.Profit.Tip.Fixed,
		Ratio:      cfg.Profit.Tip.Ratio,
		Max:        cfg.Profit.Tip.Max,
		UseCeiling: cfg.Profit.Tip.UseCeiling,
	}, ceiling)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	perAsset := make(map[domain.Asset]int64, len(cfg.Profit.PerAsset))
	for asset, threshold := range cfg.Profit.PerAsset {
		perAsset[domain.Asset(asset)] = threshold
	}
	evaluator := profit.NewEvaluator(profit.Config{
		MinProfit: cfg.Profit.MinProfit,
		PerAsset:  perAsset,
		BaseFee:   cfg.Profit.BaseFee,
	}, tip, deps.Recorder, logger)

	// --- Lander ---
	var asm lander.TxAssembler
	if signer != nil {
		asm = solana.NewAssembler(signer)
	}
	planner := lander.NewPlanner(lander.PlannerConfig{
		ComputeUnitLimit: cfg.Lander.ComputeUnitLimit,
		ComputeUnitPrice: cfg.Lander.ComputeUnitPrice,
		MinTip:           cfg.Lander.MinTip,
		TipJitter:        cfg.Lander.TipJitter,
		PriceJitter:      cfg.Lander.PriceJitter,
	}, asm, deps.Blockhashes, floor, logger)
	stack := lander.NewStack(lander.StackConfig{
		MaxRetries: cfg.Lander.MaxRetries,
		RetryDelay: cfg.Lander.RetryDelay.Duration,
	}, wireBackends(cfg), deps.Allocator, deps.Clients, deps.Recorder, logger)

	// --- Dispatch ---
	deps.Dispatcher = dispatch.New(dispatch.Config{
		Cadence:      cadenceTable(cfg.Dispatch),
		VenueCeiling: cfg.Dispatch.VenueCeiling,
	}, deps.Allocator, deps.Orchestrator, deps.Recorder, logger)

	// --- Executor ---
	var alerter service.Alerter = deps.Notifier
	executions := service.NewExecutionService(deps.ExecutionStore, deps.SignalBus, alerter, logger)
	deps.Executor = executor.New(executor.Config{
		Mode:         mode,
		Strategy:     strategyKind,
		SubmitBudget: cfg.Executor.SubmitBudget.Duration,
		PerBatch:     cfg.Executor.PerBatch,
		BatchWorkers: cfg.Executor.BatchWorkers,
		DedupTTL:     cfg.Executor.DedupTTL.Duration,
		LockTTL:      cfg.Executor.LockTTL.Duration,
	},
		strategy.NewLaneSchedule(schedulePairs(cfg.Pairs), nil),
		deps.Dispatcher,
		deps.Orchestrator,
		profit.NewPool(evaluator, cfg.Profit.Workers),
		planner,
		stack,
		executions,
		logger,
	)
	if deps.LockManager != nil {
		deps.Executor.SetLockManager(deps.LockManager)
	}

	return deps, cleanup, nil
}

// wireVenues builds the enabled venue providers. The returned closer shuts
// down streaming connections.
func wireVenues(cfg *config.Config, deps *Dependencies, logger *slog.Logger) ([]domain.VenueProvider, func()) {
	var providers []domain.VenueProvider
	closeFn := func() {}

	aggregators := []struct {
		kind domain.VenueKind
		vc   config.VenueConfig
	}{
		{domain.VenueJupiter, cfg.Venues.Jupiter},
		{domain.VenueDFlow, cfg.Venues.DFlow},
	}
	for _, v := range aggregators {
		if !v.vc.Enabled {
			continue
		}
		client := jupiter.New(jupiter.Config{
			Kind:             v.kind,
			BaseURL:          v.vc.BaseURL,
			APIKey:           v.vc.APIKey,
			Capabilities:     capabilities(v.vc),
			QuoteTTL:         v.vc.QuoteTTL.Duration,
			OnlyDirectRoutes: v.vc.OnlyDirectRoutes,
			MaxAccounts:      v.vc.MaxAccounts,
			RateLimited:      v.vc.RateLimit > 0,
		}, deps.Clients, logger)
		if deps.RateLimiter != nil {
			client.SetRateLimiter(deps.RateLimiter)
		}
		providers = append(providers, client)
	}

	if cfg.Venues.Titan.Enabled {
		client := titan.New(titan.Config{
			URL:          cfg.Venues.Titan.BaseURL,
			APIKey:       cfg.Venues.Titan.APIKey,
			Capabilities: capabilities(cfg.Venues.Titan),
			QuoteTTL:     cfg.Venues.Titan.QuoteTTL.Duration,
		}, deps.Clients, logger)
		client.SetLeases(deps.Allocator)
		providers = append(providers, client)
		closeFn = func() { _ = client.Close() }
	}
	return providers, closeFn
}

func capabilities(vc config.VenueConfig) domain.Capability {
	var c domain.Capability
	if vc.Buy {
		c |= domain.CanBuy
	}
	if vc.Sell {
		c |= domain.CanSell
	}
	return c
}

// wireBackends lists the delivery backends in submission order: bundles
// first, then staked relays, then plain RPC.
func wireBackends(cfg *config.Config) []lander.Backend {
	var backends []lander.Backend
	if cfg.Lander.Jito.Enabled {
		backends = append(backends, lander.NewJitoBackend(cfg.Lander.Jito.Endpoints, cfg.Lander.Jito.AuthUUID))
	}
	for _, s := range cfg.Lander.Staked {
		backends = append(backends, lander.NewStakedBackend(s.Name, s.Endpoints, s.RequiresTip, s.Headers))
	}
	if cfg.Lander.RPC.Enabled {
		backends = append(backends, lander.NewRPCBackend(
			cfg.Lander.RPC.Endpoints,
			cfg.Lander.RPC.SkipPreflight,
			uint(max(cfg.Lander.RPC.MaxRetries, 0)),
		))
	}
	return backends
}

func cadence(c config.CadenceConfig) dispatch.Cadence {
	return dispatch.Cadence{
		MaxConcurrentSlots: c.MaxConcurrentSlots,
		ProcessDelay:       c.ProcessDelay.Duration,
		CycleCooldown:      c.CycleCooldown.Duration,
		BatchTimeout:       c.BatchTimeout.Duration,
	}
}

func cadenceTable(dc config.DispatchConfig) dispatch.CadenceTable {
	t := dispatch.CadenceTable{
		Default: cadence(dc.CadenceConfig),
		Pairs:   make(map[string]dispatch.Cadence, len(dc.Pairs)),
	}
	for key, c := range dc.Pairs {
		t.Pairs[key] = cadence(c)
	}
	return t
}

func schedulePairs(pairs []config.PairConfig) []strategy.PairConfig {
	out := make([]strategy.PairConfig, len(pairs))
	for i, p := range pairs {
		out[i] = strategy.PairConfig{
			Pair:  domain.TradePair{Base: domain.Asset(p.Base), Quote: domain.Asset(p.Quote)},
			Sizes: p.Sizes,
		}
		for _, l := range p.Lanes {
			out[i].Lanes = append(out[i].Lanes, strategy.Lane{
				Min:   l.Min,
				Max:   l.Max,
				Count: l.Count,
				Mode:  strategy.RangeMode(strings.ToLower(l.Mode)),
			})
		}
	}
	return out
}

// venueLimits registers each rate-limited aggregator's budget with the shared
// limiter under the key its client waits on.
func venueLimits(cfg *config.Config) map[string]redis.Limit {
	limits := make(map[string]redis.Limit)
	for kind, vc := range map[domain.VenueKind]config.VenueConfig{
		domain.VenueJupiter: cfg.Venues.Jupiter,
		domain.VenueDFlow:   cfg.Venues.DFlow,
	} {
		if vc.Enabled && vc.RateLimit > 0 {
			limits[jupiter.RateKey(kind)] = redis.Limit{Requests: vc.RateLimit, Window: vc.RateWindow.Duration}
		}
	}
	return limits
}
