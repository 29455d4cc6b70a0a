package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/capability"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/host"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/service"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	host     *host.Host
	registry *capability.Registry
	store    *eventstore.Store
	service  *service.Service
	metrics  http.Handler
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the node up and blocks until ctx is cancelled. A module that
// fails to load does not stop the node: it stays unready until an operator
// fixes the module and calls the reload endpoint.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.metrics = tel.metrics
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer r.store.Close()

	m, err := resolveManifest(r.cfg)
	if err != nil {
		return err
	}
	binding, err := bindModule(r.cfg, m, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := binding.Close(context.Background()); err != nil {
			r.logger.Warn("module loader close error", slog.String("error", err.Error()))
		}
	}()

	var opts []host.Option
	if r.cfg.Host.JournalPath != "" {
		journal, err := host.OpenJournal(r.cfg.Host.JournalPath)
		if err != nil {
			return fmt.Errorf("open host journal: %w", err)
		}
		defer journal.Close()
		opts = append(opts, host.WithJournal(journal))
	}
	r.host = host.New(binding.Loader, binding.Path, r.logger, opts...)
	if err := r.host.Init(ctx); err != nil {
		r.logger.Error("module failed to load; node stays unready until reload",
			slog.String("mode", m.Runtime.Mode), slog.String("error", err.Error()))
	}
	defer func() {
		if err := r.host.Close(context.Background()); err != nil {
			r.logger.Warn("module close error", slog.String("error", err.Error()))
		}
	}()

	voices := m.VoiceList()
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, capability.SpeakCapabilities(m.Runtime.Mode, voices), r.host.Ready, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	defer r.registry.Close()

	svcBus := busClient
	if !r.cfg.Service.Enabled {
		svcBus = nil
	}
	r.service = service.New(ctx, service.Options{
		NodeID:       r.cfg.Node.ID,
		DefaultVoice: m.Voice(),
		Voices:       voices,
		SpeakTimeout: time.Duration(r.cfg.Host.SpeakTimeoutMS) * time.Millisecond,
		MaxTextBytes: r.cfg.Service.MaxTextBytes,
	}, r.host, r.store, svcBus, r.logger)
	if err := r.service.Start(); err != nil {
		return err
	}
	defer r.service.Close()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runMaintenance(ctx)
	}()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("module_mode", m.Runtime.Mode),
		slog.String("host_state", r.host.State().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("POST /admin/reload", r.handleReload)
	mux.HandleFunc("GET /admin/requests", r.handleRequests)
	if r.registry != nil {
		mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	}
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	if r.cfg.Service.Enabled && r.cfg.Service.WebSocket && r.service != nil {
		mux.Handle("GET /v1/speak/ws", r.service.WebSocketHandler(service.WebSocketOptions{
			RatePerSec: r.cfg.Service.RateLimit,
			Burst:      r.cfg.Service.RateBurst,
		}))
	}
	return mux
}

func (r *Runtime) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready only while the module is loaded and idle or
// speaking, so load balancers drain a node whose module is down.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.host != nil && r.host.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleReload(w http.ResponseWriter, req *http.Request) {
	if r.host == nil {
		http.Error(w, "no module host", http.StatusServiceUnavailable)
		return
	}
	err := r.host.Reload(req.Context())
	status := http.StatusOK
	body := map[string]string{"state": r.host.State().String()}
	if err != nil {
		status = http.StatusServiceUnavailable
		body["error"] = err.Error()
		r.logger.Error("operator reload failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func (r *Runtime) handleRequests(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	reqs, err := r.store.RecentRequests(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if reqs == nil {
		reqs = []eventstore.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	filter := capability.WithCapabilityFilter(capability.NameSpeak)
	if voice := req.URL.Query().Get("voice"); voice != "" {
		filter = capability.WithVoiceFilter(voice)
	}
	nodes := r.registry.Query(filter)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
