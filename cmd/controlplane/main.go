package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dca-engine/controlplane/internal/config"
	"github.com/dca-engine/controlplane/internal/coordination"
	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/httpapi"
	"github.com/dca-engine/controlplane/internal/leader"
	"github.com/dca-engine/controlplane/internal/mockexchange"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/notify"
	"github.com/dca-engine/controlplane/internal/orderservice"
	"github.com/dca-engine/controlplane/internal/ordersync"
	"github.com/dca-engine/controlplane/internal/pool"
	"github.com/dca-engine/controlplane/internal/position"
	"github.com/dca-engine/controlplane/internal/queue"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/dca-engine/controlplane/internal/risk"
	"github.com/dca-engine/controlplane/internal/signalrouter"
	"github.com/dca-engine/controlplane/internal/telemetry"
	"github.com/dca-engine/controlplane/internal/watchdog"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const VERSION = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	} else {
		log.Info().Msg("✅ .env file loaded successfully")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("        DCA CONTROL PLANE %s", VERSION)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	workerID := uuid.New().String()

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 1: STORAGE
	// ═══════════════════════════════════════════════════════════════════════════════

	db, err := repo.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}
	log.Info().Str("path", cfg.DatabasePath).Msg("✅ storage layer initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 2: EXCHANGE GATEWAY
	// ═══════════════════════════════════════════════════════════════════════════════

	mock := mockexchange.New()
	breakerCfg := exchange.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
	}
	gateway := exchange.NewGateway(breakerCfg, cfg.Coordination.ConnectorCacheTTL, mockexchange.NewFactory(mock))
	if cfg.MockExchangeOnly {
		log.Info().Msg("✅ exchange gateway initialized (mock venue only)")
	} else {
		log.Warn().Msg("⚠️ no live venue connectors registered yet, only the mock venue is usable")
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 3: COORDINATION
	// ═══════════════════════════════════════════════════════════════════════════════

	locks := coordination.NewLockManager(cfg.Coordination.RetryInterval)
	log.Info().Msg("✅ lock manager initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 4: DOMAIN SERVICES
	// ═══════════════════════════════════════════════════════════════════════════════

	orders := orderservice.New(db)
	positions := position.New(db, locks, orders, gateway)
	router := signalrouter.New(db)
	poolMgr := pool.New(db, cfg.Pool.MaxLivePositionsPerUser)
	riskMgr := risk.New(db, positions, gateway, cfg.RiskEngine)
	queueMgr := queue.New(db, poolMgr, positions, gateway, riskMgr, cfg.Queue)

	resolveForSync := func(ctx context.Context, userID, venue string) (exchange.Interface, error) {
		user, err := db.Users.Get(userID)
		if err != nil || user == nil {
			return nil, err
		}
		return resolveUserConnector(gateway, user, venue)
	}
	orderSync := ordersync.New(db, positions, orders, resolveForSync)

	elector := leader.New(locks, cfg.Leader, workerID)
	watchdogInst := watchdog.New(cfg.Watchdog)
	log.Info().Msg("✅ domain services wired")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 5: NOTIFICATIONS + METRICS
	// ═══════════════════════════════════════════════════════════════════════════════

	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("telegram unavailable")
	} else if notifier != nil {
		log.Info().Msg("✅ telegram notifications initialized")
	}

	watchdogInst.OnRestart(func(task string) {
		notifier.WatchdogRestart(task)
		telemetry.IncWatchdogRestart(task)
	})
	riskMgr.OnOffset(func(loser *model.PositionGroup, winners []model.PositionGroup, realizedFromWinners decimal.Decimal) {
		notifier.RiskOffset(loser, winners, realizedFromWinners)
		telemetry.IncRiskOffset()
	})
	gateway.Breakers().OnTrip(func(venue string) {
		notifier.CircuitBreakerTrip(venue)
		telemetry.IncCircuitBreakerTrip(venue)
	})
	queueMgr.OnPromote(func(kind string) {
		telemetry.IncQueuePromotion(kind)
	})

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 6: HTTP SURFACE
	// ═══════════════════════════════════════════════════════════════════════════════

	server := httpapi.New(db, gateway, positions, router, locks, riskMgr, orderSync, watchdogInst, elector)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("🚀 webhook/operator HTTP surface listening")
		if err := http.ListenAndServe(cfg.HTTPAddr, server.Routes()); err != nil {
			log.Fatal().Err(err).Msg("http surface crashed")
		}
	}()

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", telemetry.Handler())
		log.Info().Str("addr", cfg.MetricsAddr).Msg("🚀 metrics listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, metricsMux); err != nil {
			log.Fatal().Err(err).Msg("metrics surface crashed")
		}
	}()

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 7: LEADER-GATED BACKGROUND TASKS (§4.11, §5)
	// ═══════════════════════════════════════════════════════════════════════════════

	bg := newBackgroundTasks(queueMgr, riskMgr, orderSync, cfg)
	bg.register(watchdogInst)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var watchdogCancel context.CancelFunc
	onPromote := func() {
		log.Info().Str("worker_id", workerID).Msg("promoted to leader, starting background tasks")
		bg.startAll(ctx)
		var wctx context.Context
		wctx, watchdogCancel = context.WithCancel(ctx)
		go watchdogInst.Run(wctx)
	}
	onDemote := func() {
		log.Warn().Str("worker_id", workerID).Msg("demoted from leader, stopping background tasks")
		bg.stopAll()
		if watchdogCancel != nil {
			watchdogCancel()
		}
	}

	go elector.Run(ctx, onPromote, onDemote)

	notifier.Startup(workerID)
	log.Info().Msg("🚀 running")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("🛑 shutdown signal received, stopping background tasks")
	bg.stopAll()
	stop()
	log.Info().Msg("👋 goodbye")
}

// resolveUserConnector decodes a user's stored venue credentials and resolves
// a connector through the shared gateway, duplicating the small decode
// helper every other package keeps alongside its own connector resolution.
func resolveUserConnector(gateway *exchange.Gateway, user *model.User, venue string) (exchange.Interface, error) {
	creds := make(map[string]model.VenueCredential)
	if user.VenueCreds != "" {
		if err := json.Unmarshal([]byte(user.VenueCreds), &creds); err != nil {
			return nil, err
		}
	}
	cred := creds[venue]
	return gateway.Get(venue, cred)
}

// backgroundTask wraps one leader-gated ticker loop with its own cancel
// function and last-heartbeat timestamp, fed into watchdog.Register.
type backgroundTask struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context)
	critical bool

	mu       sync.Mutex
	lastBeat time.Time
	cancel   context.CancelFunc
}

func (t *backgroundTask) heartbeat() {
	t.mu.Lock()
	t.lastBeat = time.Now()
	t.mu.Unlock()
}

func (t *backgroundTask) health() (time.Time, int, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastBeat, 0, "", true
}

func (t *backgroundTask) start(parent context.Context) error {
	loopCtx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				t.tick(loopCtx)
			}
		}
	}()
	return nil
}

func (t *backgroundTask) stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

type backgroundTasks struct {
	tasks []*backgroundTask
}

// newBackgroundTasks wraps the three leader-gated tick loops and wires each
// component's own OnHeartbeat callback into the matching task's liveness
// timestamp, so the heartbeat the Watchdog ages marks the last completed full
// pass, not merely the last ticker fire. Until the first pass completes the
// heartbeat is zero, which the Watchdog reports as healthy.
func newBackgroundTasks(queueMgr *queue.Manager, riskMgr *risk.Manager, orderSync *ordersync.Monitor, cfg *config.Config) *backgroundTasks {
	qm := &backgroundTask{name: "queue_manager", interval: cfg.Queue.PromotionTickInterval, tick: queueMgr.Tick, critical: true}
	re := &backgroundTask{name: "risk_engine", interval: cfg.RiskEngine.TickInterval, tick: riskMgr.Tick, critical: true}
	of := &backgroundTask{name: "order_fill_monitor", interval: cfg.OrderFillMonitor.TickInterval, tick: orderSync.Tick, critical: true}

	queueMgr.OnHeartbeat(qm.heartbeat)
	riskMgr.OnHeartbeat(re.heartbeat)
	orderSync.OnHeartbeat(of.heartbeat)

	return &backgroundTasks{tasks: []*backgroundTask{qm, re, of}}
}

func (b *backgroundTasks) register(w *watchdog.Watchdog) {
	for _, t := range b.tasks {
		t := t
		w.Register(t.name, t.start, t.stop, t.health, t.critical)
	}
}

func (b *backgroundTasks) startAll(ctx context.Context) {
	for _, t := range b.tasks {
		_ = t.start(ctx)
	}
}

func (b *backgroundTasks) stopAll() {
	for _, t := range b.tasks {
		t.stop()
	}
}
