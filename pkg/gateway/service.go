package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"parley/pkg/bot"
	"parley/pkg/bus"
	"parley/pkg/config"
	"parley/pkg/integration"
	"parley/pkg/platform"
)

const (
	defaultHealthHost      = "0.0.0.0"
	defaultHealthPort      = 18790
	defaultHealthInterval  = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Service runs one bot per enabled platform and serves health and readiness.
type Service struct {
	cfg            *config.Config
	log            *slog.Logger
	bots           []*bot.Bot
	integrations   *integration.Registry
	events         *bus.MessageBus
	healthInterval time.Duration

	mu                   sync.RWMutex
	startedAt            time.Time
	integrationsLastOKAt time.Time
	integrationErrors    map[string]string
	platformStates       map[string]bot.State
}

type platformStatus struct {
	bot.State
	LiveConversations int `json:"live_conversations"`
}

type statusResponse struct {
	Status               string                    `json:"status"`
	UptimeSeconds        int64                     `json:"uptime_seconds"`
	IntegrationsLastOKAt string                    `json:"integrations_last_ok_at,omitempty"`
	IntegrationErrors    map[string]string         `json:"integration_errors,omitempty"`
	Platforms            map[string]platformStatus `json:"platforms"`
}

func NewService(cfg *config.Config, adapters []platform.Adapter, deps bot.Deps, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one platform adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = log
	}

	s := &Service{
		cfg:            cfg,
		log:            log.With("component", "gateway.service"),
		integrations:   deps.Integrations,
		events:         deps.Bus,
		healthInterval: defaultHealthInterval,
		platformStates: make(map[string]bot.State, len(adapters)),
	}

	for _, adapter := range adapters {
		if _, dup := s.platformStates[adapter.Name()]; dup {
			return nil, fmt.Errorf("platform %s is configured twice", adapter.Name())
		}

		b, err := bot.FromConfig(cfg, adapter, deps, s.setPlatformState)
		if err != nil {
			return nil, err
		}
		s.bots = append(s.bots, b)
		s.platformStates[adapter.Name()] = bot.State{}
	}

	return s, nil
}

// Run blocks until ctx ends, the status server fails, or a platform gives up
// reconnecting. Every bot is shut down before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkIntegrationHealth(ctx); err != nil {
		s.log.Warn("Integrations unhealthy at startup", "error", err)
	}

	if s.events != nil {
		events, unsubscribe := s.events.SubscribeEvents(ctx, 0)
		defer unsubscribe()
		go s.logEvents(ctx, events)
	}

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.checkIntegrationHealth(ctx)
			}
		}
	}()

	errCh := make(chan error, len(s.bots))
	for _, b := range s.bots {
		go func() {
			if err := b.Run(ctx); err != nil {
				errCh <- fmt.Errorf("run %s platform: %w", b.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	s.shutdown()
	return runErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, b := range s.bots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Shutdown(ctx); err != nil {
				s.log.Warn("Platform shutdown incomplete", "platform", b.Name(), "error", err)
			}
		}()
	}
	wg.Wait()
}

func (s *Service) logEvents(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			attrs := []any{
				"event", string(ev.Type),
				"platform", ev.Platform,
				"routing_key", ev.RoutingKey,
				"conversation_id", ev.ConversationID,
				"command", ev.Command,
			}
			if ev.Error != "" {
				s.log.Warn("Conversation event", append(attrs, "error", ev.Error)...)
				continue
			}
			s.log.Debug("Conversation event", attrs...)
		}
	}
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	live := make(map[string]int, len(s.bots))
	for _, b := range s.bots {
		live[b.Name()] = b.Dispatcher().Live()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	platforms := make(map[string]platformStatus, len(s.platformStates))
	for name, state := range s.platformStates {
		platforms[name] = platformStatus{State: state, LiveConversations: live[name]}
	}

	var integrationErrors map[string]string
	if len(s.integrationErrors) > 0 {
		integrationErrors = make(map[string]string, len(s.integrationErrors))
		for name, msg := range s.integrationErrors {
			integrationErrors[name] = msg
		}
	}

	lastOK := ""
	if !s.integrationsLastOKAt.IsZero() {
		lastOK = s.integrationsLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:               status,
		UptimeSeconds:        uptime,
		IntegrationsLastOKAt: lastOK,
		IntegrationErrors:    integrationErrors,
		Platforms:            platforms,
	}
}

// isReady requires at least one connected platform and healthy integrations.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anyConnected := false
	for _, state := range s.platformStates {
		if state.Connected {
			anyConnected = true
			break
		}
	}

	if !anyConnected {
		return false
	}

	return len(s.integrationErrors) == 0
}

func (s *Service) checkIntegrationHealth(ctx context.Context) error {
	var failures map[string]error
	if s.integrations != nil {
		failures = s.integrations.CheckHealth(ctx)
	}

	errs := make(map[string]string, len(failures))
	joined := make([]error, 0, len(failures))
	for name, err := range failures {
		errs[name] = err.Error()
		joined = append(joined, fmt.Errorf("%s: %w", name, err))
	}

	s.mu.Lock()
	s.integrationErrors = errs
	if len(errs) == 0 {
		s.integrationsLastOKAt = time.Now().UTC()
	}
	s.mu.Unlock()

	if len(joined) > 0 {
		return fmt.Errorf("integration health check failed: %w", errors.Join(joined...))
	}

	return nil
}

func (s *Service) setPlatformState(name string, state bot.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platformStates[name] = state
}
