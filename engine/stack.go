package engine

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/api"
	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/config"
	"github.com/rustyeddy/orderguard/guard"
	"github.com/rustyeddy/orderguard/journal"
	"github.com/rustyeddy/orderguard/lifecycle"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/metrics"
	"github.com/rustyeddy/orderguard/notify"
	"github.com/rustyeddy/orderguard/protect"
	"github.com/rustyeddy/orderguard/reconcile"
	"github.com/rustyeddy/orderguard/state"
	"github.com/rustyeddy/orderguard/submit"
)

// Deps are the pieces Assemble cannot build from configuration.
type Deps struct {
	Gateway broker.Gateway
	// Prices defaults to the gateway when it can quote.
	Prices market.TickSource
	Logger *zap.Logger
	Clock  func() time.Time
}

// Stack is a fully wired engine.
type Stack struct {
	Config   *config.Config
	RunID    string
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder
	Store    state.Store
	Ledger   *state.Ledger
	Journal  journal.Journal
	Hub      *notify.Hub
	Pipeline *submit.Pipeline
	Guard    *guard.Guard
	Protect  *protect.Manager
	Machine  *lifecycle.Machine
	Reconciler *reconcile.Engine
	Loops    []*SymbolLoop

	clock func() time.Time
}

// OpenStore opens the configured snapshot store.
func OpenStore(cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := state.NewSQLStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "file", "":
		s, err := state.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// OpenJournal opens the configured trade journal.
func OpenJournal(cfg config.JournalConfig) (journal.Journal, error) {
	switch cfg.Type {
	case "sqlite":
		j, err := journal.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return j, nil
	case "csv":
		j, err := journal.NewCSV(cfg.TradesFile)
		if err != nil {
			return nil, err
		}
		return j, nil
	case "none", "":
		return journal.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
	}
}

// Assemble wires every component from cfg around the given gateway.
func Assemble(cfg *config.Config, deps Deps) (*Stack, error) {
	if deps.Gateway == nil {
		return nil, errors.New("engine: a gateway is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Register()

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	prices := deps.Prices
	if prices == nil {
		if ts, ok := deps.Gateway.(market.TickSource); ok {
			prices = ts
		}
	}
	runID := uuid.NewString()
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("run_id", runID))

	s := &Stack{Config: cfg, RunID: runID, Logger: log, clock: clock}

	s.Registry = prometheus.NewRegistry()
	s.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.Metrics = metrics.NewRecorder(s.Registry)

	var err error
	if s.Store, err = OpenStore(cfg.State); err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	if s.Journal, err = OpenJournal(cfg.Journal); err != nil {
		s.Store.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	var archive *state.Archive
	if cfg.Reconcile.ArchiveDir != "" {
		if archive, err = state.NewArchive(cfg.Reconcile.ArchiveDir); err != nil {
			s.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
	}

	notifiers := notify.Multi{notify.NewLogNotifier(log)}
	if cfg.Notify.DiscordWebhook != "" {
		notifiers = append(notifiers, notify.NewDiscord(cfg.Notify.DiscordWebhook))
	}
	if cfg.Notify.Websocket {
		s.Hub = notify.NewHub(log)
		notifiers = append(notifiers, s.Hub)
	}

	s.Ledger = state.NewLedger(s.Store, clock)
	s.Pipeline = submit.New(deps.Gateway, s.Ledger, cfg.Execution.Policy(), submit.Options{
		CallTimeout: cfg.Execution.CallTimeout,
		Logger:      log,
		Notifier:    notifiers,
		Metrics:     s.Metrics,
		Clock:       clock,
		RunID:       runID,
	})
	s.Guard = guard.New(s.Ledger, cfg.Guard, log, s.Metrics, clock)
	s.Protect = protect.New(s.Pipeline, log, clock)
	s.Machine = lifecycle.New(s.Pipeline, s.Protect, s.Guard, lifecycle.Options{
		Journal:  s.Journal,
		Notifier: notifiers,
		Metrics:  s.Metrics,
		Logger:   log,
		Clock:    clock,
		RunID:    runID,
	})
	s.Reconciler = reconcile.New(s.Pipeline, s.Machine, s.Protect, reconcile.Options{
		Grace:     cfg.Reconcile.Grace,
		Retention: cfg.Reconcile.Retention,
		Archive:   archive,
		Prices:    prices,
		Notifier:  notifiers,
		Metrics:   s.Metrics,
		Logger:    log,
		Clock:     clock,
		RunID:     runID,
	})

	for _, sym := range cfg.SymbolNames() {
		s.Loops = append(s.Loops, NewSymbolLoop(sym, s.Machine, s.Reconciler, prices, LoopOptions{
			ReconcileInterval: cfg.Reconcile.Interval,
			Complete:          cfg.Complete,
			Logger:            log,
		}))
	}
	return s, nil
}

func (s *Stack) Runner() *Runner {
	return NewRunner(s.Loops, s.Config.Engine.PollInterval, s.clock, s.RunID, s.Logger)
}

// Router serves the stack's state, metrics and event stream.
func (s *Stack) Router() http.Handler {
	deps := api.Deps{
		Ledger:   s.Ledger,
		Symbols:  s.Config.SymbolNames(),
		Gatherer: s.Registry,
		RunID:    s.RunID,
		Logger:   s.Logger,
		Clock:    s.clock,
	}
	if s.Hub != nil {
		deps.Events = s.Hub
	}
	return api.NewRouter(deps)
}

func (s *Stack) Close() error {
	if s.Hub != nil {
		s.Hub.Close()
	}
	var errs []error
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}
