package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kon-rad/sentiment-alerts/internal/alert"
	"github.com/kon-rad/sentiment-alerts/internal/config"
	"github.com/kon-rad/sentiment-alerts/internal/db"
	"github.com/kon-rad/sentiment-alerts/internal/forward"
	"github.com/kon-rad/sentiment-alerts/internal/ingest"
	"github.com/kon-rad/sentiment-alerts/internal/logevent"
	"github.com/kon-rad/sentiment-alerts/internal/server"
	"github.com/kon-rad/sentiment-alerts/internal/window"
)

type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	version    string
	startedAt  time.Time
	dbm        *db.Manager
	httpServer *http.Server
	ingestCh   chan ingest.Record
	workerDone chan error
	bgCancel   context.CancelFunc
	bgWG       sync.WaitGroup

	tracker    *window.Tracker
	dispatcher *alert.Dispatcher
	forwarder  *forward.Forwarder
	gateway    *server.Gateway

	queueMu         sync.RWMutex
	eventsJournaled atomic.Int64
	eventsDropped   atomic.Int64
}

func New(cfg *config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
	}
}

// Build assembles the pipeline without binding a listener. Run calls it;
// tests call it directly and drive Handler.
func (r *Runtime) Build(ctx context.Context) error {
	if r.cfg.DBPath != "" {
		if err := r.openJournal(ctx); err != nil {
			return err
		}
	} else {
		r.logger.Info("journal disabled", "reason", "SAL_DB_PATH empty")
	}

	r.tracker = window.NewTracker(r.cfg.AlertWindow)

	alertOpts := []alert.Option{alert.WithLogger(r.logger)}
	if r.cfg.AlertWebhookURL != "" {
		alertOpts = append(alertOpts, alert.WithNotifier(alert.NewWebhook(r.cfg.AlertWebhookURL, alert.WithTimeout(r.cfg.AlertTimeout))))
	}
	if r.dbm != nil {
		alertOpts = append(alertOpts, alert.WithRecorder(r.dbm))
	}
	r.dispatcher = alert.NewDispatcher(r.cfg.AlertThreshold, r.cfg.AlertWindow, r.cfg.ProjectID, alertOpts...)

	var sinks []forward.Sink
	client := &http.Client{}
	if r.cfg.LoggingEndpoint != "" {
		sinks = append(sinks, forward.NewCloudLogSink(r.cfg.LoggingEndpoint, r.cfg.LoggingCredential, client))
	}
	if r.cfg.BackendURL != "" {
		sinks = append(sinks, forward.NewBackendSink(r.cfg.BackendURL, client))
	}
	if r.dbm != nil {
		sinks = append(sinks, forward.NewJournalSink(r))
	}
	r.forwarder = forward.New(r.logger, r.cfg.ForwardTimeout, sinks...)

	gwOpts := []server.GatewayOption{server.WithGatewayLogger(r.logger)}
	if r.dbm != nil {
		gwOpts = append(gwOpts, server.WithAlertHistory(r.dbm))
	}
	r.gateway = server.NewGateway(server.GatewayConfig{
		Defaults: logevent.Defaults{
			ProjectID: r.cfg.ProjectID,
			LogName:   r.cfg.LogName,
			Source:    r.cfg.Source,
		},
		Environment:         r.cfg.Environment,
		CloudLoggingEnabled: r.cfg.LoggingEndpoint != "",
		RecentErrorsLimit:   r.cfg.RecentErrorsLimit,
	}, r.tracker, r.dispatcher, r.forwarder, gwOpts...)

	healthHandler := server.NewHealthHandler(r.dbm, r.startedAt, r.version, r)
	r.httpServer = server.New(":"+r.cfg.Port, healthHandler, r.gateway)

	r.logger.Info("pipeline ready",
		"threshold", r.cfg.AlertThreshold,
		"window", r.cfg.AlertWindow.String(),
		"webhook", r.dispatcher.WebhookEnabled(),
		"sinks", r.forwarder.Sinks(),
		"environment", r.cfg.Environment,
	)
	return nil
}

func (r *Runtime) openJournal(ctx context.Context) error {
	dbm, err := db.Open(r.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	r.dbm = dbm

	journalMode, busyTimeout, autoVacuum, err := r.dbm.Pragmas(ctx)
	if err != nil {
		return fmt.Errorf("query sqlite pragmas: %w", err)
	}
	schema, err := r.dbm.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}
	r.logger.Info("sqlite opened",
		"path", r.cfg.DBPath,
		"schema_version", schema,
		"journal_mode", journalMode,
		"busy_timeout", busyTimeout,
		"auto_vacuum", autoVacuum,
	)

	r.ingestCh = make(chan ingest.Record, ingest.QueueCapacity)
	r.workerDone = make(chan error, 1)
	worker := ingest.NewWorker(r.logger, r.dbm, r.cfg.MaxTextBytes)
	go func() {
		r.workerDone <- worker.Run(r.ingestCh)
	}()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	r.bgCancel = bgCancel
	r.startBackgroundLoops(bgCtx)
	return nil
}

func (r *Runtime) Handler() http.Handler {
	return r.httpServer.Handler
}

func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Build(ctx); err != nil {
		_ = r.shutdown(context.Background())
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		r.logger.Info("listening", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		_ = r.shutdown(context.Background())
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
		return r.shutdown(context.Background())
	}
}

func (r *Runtime) Snapshot() server.RuntimeSnapshot {
	snap := server.RuntimeSnapshot{
		EventsJournaled: r.eventsJournaled.Load(),
		EventsDropped:   r.eventsDropped.Load(),
	}
	r.queueMu.RLock()
	if r.ingestCh != nil {
		snap.QueueDepth = int64(len(r.ingestCh))
	}
	r.queueMu.RUnlock()
	if r.tracker != nil {
		snap.WindowCount = r.tracker.Count()
	}
	if r.dispatcher != nil {
		s := r.dispatcher.Stats()
		snap.AlertsFired = s.Fired
		snap.AlertsFailed = s.Failed
	}
	if r.forwarder != nil {
		s := r.forwarder.Stats()
		snap.ForwardDelivered = s.Delivered
		snap.ForwardFailed = s.Failed
	}
	return snap
}

// Enqueue hands a record to the journal worker without blocking. The read
// lock keeps shutdown from closing the channel under a concurrent send.
func (r *Runtime) Enqueue(rec ingest.Record) bool {
	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	if r.ingestCh == nil {
		r.eventsDropped.Add(1)
		return false
	}
	if ingest.TryEnqueue(r.ingestCh, rec) {
		r.eventsJournaled.Add(1)
		return true
	}
	r.eventsDropped.Add(1)
	return false
}

func (r *Runtime) Shutdown(ctx context.Context) error {
	return r.shutdown(ctx)
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var joined error

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if r.bgCancel != nil {
		r.bgCancel()
		done := make(chan struct{})
		go func() {
			r.bgWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			joined = errors.Join(joined, errors.New("background loop shutdown timeout"))
		}
	}

	r.queueMu.Lock()
	if r.ingestCh != nil {
		r.logger.Info("draining journal queue", "remaining", len(r.ingestCh))
		close(r.ingestCh)
		r.ingestCh = nil
	}
	r.queueMu.Unlock()

	if r.workerDone != nil {
		select {
		case err := <-r.workerDone:
			if err != nil {
				joined = errors.Join(joined, fmt.Errorf("worker shutdown: %w", err))
			}
		case <-time.After(5 * time.Second):
			joined = errors.Join(joined, errors.New("worker drain timeout"))
		}
		r.workerDone = nil
	}

	if r.dbm != nil {
		cpCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.dbm.Checkpoint(cpCtx); err != nil {
			r.logger.Warn("wal checkpoint failed", "error", err)
			joined = errors.Join(joined, fmt.Errorf("wal checkpoint: %w", err))
		}
		if err := r.dbm.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("db close: %w", err))
		}
		r.dbm = nil
	}

	snap := r.Snapshot()
	r.logger.Info("shutdown complete",
		"events_journaled", snap.EventsJournaled,
		"events_dropped", snap.EventsDropped,
		"alerts_fired", snap.AlertsFired,
		"uptime", time.Since(r.startedAt).String(),
	)
	return joined
}

func (r *Runtime) startBackgroundLoops(ctx context.Context) {
	r.every(ctx, r.cfg.CleanupInterval, "cleanup", func(ctx context.Context) error {
		deleted, didRun, err := r.dbm.CleanupOld(ctx,
			r.cfg.RetentionDays,
			r.cfg.CleanupDiskThreshold,
			r.cfg.CleanupDBThresholdByte,
		)
		if err == nil && didRun {
			r.logger.Info("journal cleanup", "deleted", deleted)
		}
		return err
	})

	r.every(ctx, r.cfg.WALCheckpointInterval, "wal checkpoint", func(ctx context.Context) error {
		_, err := r.dbm.CheckpointIfWALExceeds(ctx, r.cfg.WALRestartThresholdB)
		return err
	})
}

func (r *Runtime) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				err := fn(runCtx)
				cancel()
				if err != nil {
					r.logger.Warn(name+" failed", "error", err)
				}
			}
		}
	}()
}
