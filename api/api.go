// Package api serves the engine's read-only HTTP surface: health,
// Prometheus metrics, per-symbol state, and the live event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Deps struct {
	Ledger   *state.Ledger
	Symbols  []string
	Gatherer prometheus.Gatherer
	// Events is mounted on /ws when set.
	Events http.Handler
	RunID  string
	Logger *zap.Logger
	Clock  func() time.Time
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// SymbolSummary is one row of GET /symbols.
type SymbolSummary struct {
	Symbol          string          `json:"symbol"`
	RiskState       state.RiskState `json:"risk_state,omitempty"`
	Side            string          `json:"side,omitempty"`
	Size            float64         `json:"size,omitempty"`
	EntryPrice      float64         `json:"entry_price,omitempty"`
	StopPrice       float64         `json:"stop_price,omitempty"`
	OpenOrders      int             `json:"open_orders"`
	Blocked         bool            `json:"blocked"`
	LastReconcileAt time.Time       `json:"last_reconcile_at"`
}

type handler struct {
	deps  Deps
	known map[string]bool
	log   *zap.Logger
	now   func() time.Time
}

// NewRouter builds the routes:
//
//	GET /healthz
//	GET /metrics
//	GET /symbols
//	GET /symbols/{symbol}
//	GET /ws
func NewRouter(deps Deps) *mux.Router {
	h := &handler{deps: deps, known: make(map[string]bool), log: deps.Logger, now: deps.Clock}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	h.log = h.log.Named("api")
	if h.now == nil {
		h.now = time.Now
	}
	for _, s := range deps.Symbols {
		h.known[s] = true
	}

	r := mux.NewRouter()
	r.Use(h.recovery, h.logging)

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/symbols", h.symbols).Methods(http.MethodGet)
	r.HandleFunc("/symbols/{symbol}", h.symbol).Methods(http.MethodGet)
	if deps.Events != nil {
		r.Handle("/ws", deps.Events)
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"run_id": h.deps.RunID,
		"time":   h.now().UTC(),
	})
}

func (h *handler) symbols(w http.ResponseWriter, r *http.Request) {
	out := make([]SymbolSummary, 0, len(h.deps.Symbols))
	for _, sym := range h.deps.Symbols {
		st, err := h.deps.Ledger.Get(r.Context(), sym)
		if err != nil {
			h.log.Error("load state", zap.String("symbol", sym), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
		out = append(out, h.summarize(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) summarize(st *state.SymbolState) SymbolSummary {
	s := SymbolSummary{
		Symbol:          st.Symbol,
		OpenOrders:      len(st.NonTerminal()),
		Blocked:         st.Blocker.Blocked(h.now()),
		LastReconcileAt: st.LastReconcileAt,
	}
	if p := st.Position; p != nil && st.HasOpenPosition() {
		s.RiskState = p.RiskState
		s.Side = string(p.Side)
		s.Size = p.Size
		s.EntryPrice = p.EntryPrice
		s.StopPrice = p.StopPrice
		if p.TrailingStopPrice != nil {
			s.StopPrice = *p.TrailingStopPrice
		}
	}
	return s
}

func (h *handler) symbol(w http.ResponseWriter, r *http.Request) {
	sym := mux.Vars(r)["symbol"]
	if !h.known[sym] {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown symbol " + sym})
		return
	}
	st, err := h.deps.Ledger.Get(r.Context(), sym)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (h *handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// the upgrade needs the raw writer's Hijacker
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)))
	})
}

func (h *handler) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				h.log.Error("handler panicked", zap.Any("panic", v), zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Serve runs handler on addr until ctx is done, then shuts down.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("api listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
