// Package daemon provides the long-running spool import service.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/theirongolddev/mergemeter/internal/logging"
	"github.com/theirongolddev/mergemeter/internal/spool"
)

// Import triggers.
const (
	TriggerStart = "start"
	TriggerTick  = "tick"
	TriggerWatch = "watch"
	TriggerAPI   = "api"
)

// Meter is the part of the metering surface the daemon drives.
type Meter interface {
	ImportPending(ctx context.Context) (spool.Result, error)
	SpoolStats(ctx context.Context) (spool.Stats, error)
}

// Config controls the daemon runtime behavior.
type Config struct {
	Interval     time.Duration
	Addr         string
	EventsBuffer int
	// WatchDir, when set, is watched for new spool files.
	WatchDir string
	Logger   *zap.Logger
}

// Event is emitted whenever an import pass changes something or fails.
type Event struct {
	ID        int64        `json:"id"`
	Type      string       `json:"type"`
	Trigger   string       `json:"trigger"`
	Timestamp time.Time    `json:"timestamp"`
	Result    spool.Result `json:"result"`
	Error     string       `json:"error,omitempty"`
}

// Status is served at /v1/status.
type Status struct {
	StartedAt       time.Time    `json:"started_at"`
	LastImportAt    time.Time    `json:"last_import_at"`
	IntervalSec     int          `json:"interval_sec"`
	ImportCount     int64        `json:"import_count"`
	WatchDir        string       `json:"watch_dir,omitempty"`
	Last            spool.Result `json:"last"`
	Totals          spool.Result `json:"totals"`
	Spool           spool.Stats  `json:"spool"`
	LastError       string       `json:"last_error,omitempty"`
	EventCount      int          `json:"event_count"`
	SubscriberCount int          `json:"subscriber_count"`
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg    Config
	meter  Meter
	logger *zap.Logger

	importMu sync.Mutex
	trigger  chan string

	mu           sync.RWMutex
	startedAt    time.Time
	lastImportAt time.Time
	importCount  int64
	last         spool.Result
	totals       spool.Result
	spoolStats   spool.Stats
	lastError    string
	nextEventID  int64
	events       []Event

	nextSubID int
	subs      map[int]chan Event
}

// New returns a new daemon service with the provided config.
func New(m Meter, cfg Config) *Service {
	if cfg.Interval < time.Second {
		cfg.Interval = time.Minute
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8788"
	}

	return &Service{
		cfg:       cfg,
		meter:     m,
		logger:    logging.Component(cfg.Logger, "daemon"),
		trigger:   make(chan string, 1),
		startedAt: time.Now(),
		subs:      make(map[int]chan Event),
	}
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/stream", s.handleStream)
		r.Post("/import", s.handleImport)
	})
	return r
}

// Run serves the API and imports on start, on every tick and when new spool
// files appear, until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.cfg.WatchDir != "" {
		watcher, err := s.watch(ctx)
		if err != nil {
			// Polling still covers the directory.
			s.logger.Warn("spool watch disabled", zap.String("dir", s.cfg.WatchDir), zap.Error(err))
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	// Drain anything spooled while the daemon was down.
	s.ImportOnce(ctx, TriggerStart)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case <-ticker.C:
			s.ImportOnce(ctx, TriggerTick)
		case trigger := <-s.trigger:
			s.ImportOnce(ctx, trigger)
		case err := <-errCh:
			return fmt.Errorf("daemon http server: %w", err)
		}
	}
}

func (s *Service) watch(ctx context.Context) (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(s.cfg.WatchDir, 0o750); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.cfg.WatchDir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && isSpoolFile(ev.Name) {
					s.requestImport(TriggerWatch)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("spool watch error", zap.Error(err))
			}
		}
	}()
	return watcher, nil
}

func isSpoolFile(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && filepath.Ext(name) == ".json"
}

// requestImport queues an import without blocking. Bursts coalesce into one pass.
func (s *Service) requestImport(trigger string) {
	select {
	case s.trigger <- trigger:
	default:
	}
}

// ImportOnce runs one import pass and records its outcome. Passes never overlap.
func (s *Service) ImportOnce(ctx context.Context, trigger string) (spool.Result, error) {
	s.importMu.Lock()
	defer s.importMu.Unlock()

	res, err := s.meter.ImportPending(ctx)
	stats, statsErr := s.meter.SpoolStats(ctx)
	now := time.Now()

	s.mu.Lock()
	s.lastImportAt = now
	s.importCount++
	s.last = res
	s.totals.Add(res)
	if statsErr == nil {
		s.spoolStats = stats
	}
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}

	var (
		ev      Event
		publish bool
	)
	if err != nil || !isZero(res) {
		s.nextEventID++
		ev = Event{
			ID:        s.nextEventID,
			Type:      "import",
			Trigger:   trigger,
			Timestamp: now,
			Result:    res,
		}
		if err != nil {
			ev.Type = "import_error"
			ev.Error = err.Error()
		}
		publish = true
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("spool import failed", zap.String("trigger", trigger), zap.Error(err))
	} else if res.Imported > 0 {
		s.logger.Info("spool import",
			zap.String("trigger", trigger),
			zap.Int("imported", res.Imported),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("skipped", res.Skipped),
		)
	}
	if statsErr != nil {
		s.logger.Debug("spool stats unavailable", zap.Error(statsErr))
	}

	if publish {
		s.publishEvent(ev)
	}
	return res, err
}

func isZero(r spool.Result) bool {
	return r.Imported == 0 &&
		r.Duplicates == 0 &&
		r.Skipped == 0 &&
		r.Errors == 0
}

func (s *Service) publishEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Service) snapshotStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		StartedAt:       s.startedAt,
		LastImportAt:    s.lastImportAt,
		IntervalSec:     int(s.cfg.Interval.Seconds()),
		ImportCount:     s.importCount,
		WatchDir:        s.cfg.WatchDir,
		Last:            s.last,
		Totals:          s.totals,
		Spool:           s.spoolStats,
		LastError:       s.lastError,
		EventCount:      len(s.events),
		SubscriberCount: len(s.subs),
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshotStatus())
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, events)
}

func (s *Service) handleImport(w http.ResponseWriter, r *http.Request) {
	res, err := s.ImportOnce(r.Context(), TriggerAPI)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"result": res, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	st := s.snapshotStatus()
	writeSSE(w, Event{Type: "status", Timestamp: time.Now(), Result: st.Last, Error: st.LastError})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
