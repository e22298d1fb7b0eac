package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/appunture/offlinesync/internal/model"
)

const (
	otelScope = "offlinesync/sync"

	spanSyncAll = "sync.all"
	spanQueue   = "sync.queue"
	spanImages  = "sync.images"

	metricQueueSynced    = "offlinesync.queue.synced"
	metricQueueFailed    = "offlinesync.queue.failed"
	metricQueueDeferred  = "offlinesync.queue.deferred"
	metricRemoteWins     = "offlinesync.conflicts.remote_wins"
	metricLocalWins      = "offlinesync.conflicts.local_wins"
	metricImagesUploaded = "offlinesync.images.uploaded"
	metricImagesFailed   = "offlinesync.images.failed"
)

// Collection names recorded in the sync_status table.
const (
	tablePoints    = "points"
	tableSymptoms  = "symptoms"
	tableFavorites = "favorites"
	tableLastSync  = "last_sync"
)

var (
	// ErrNoConnection is returned by [Engine.SyncAll] when the server is
	// unreachable.
	ErrNoConnection = errors.New("no connection to server")

	// ErrSyncInProgress is returned by [Engine.SyncAll] when another full
	// sync is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNotSignedIn is returned by mutations that need a user.
	ErrNotSignedIn = errors.New("no user signed in")
)

// Deps are the engine's collaborators.
type Deps struct {
	Store   LocalStore
	Remote  RemoteService
	Network Connectivity
	Session Session
	Media   MediaUploader
}

// Options tune the engine. Zero values use the defaults.
type Options struct {
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration

	// PollInterval is the [Engine.Run] tick.
	PollInterval time.Duration

	// StaleClaim is how old an in_progress claim must be before it is
	// treated as abandoned and requeued. Defaults to four call timeouts,
	// longer than any single entry can take.
	StaleClaim time.Duration

	Backoff BackoffPolicy

	QueueBatch  int
	ImageBatch  int
	PointsLimit int

	// Now overrides the clock used for backoff gating and timestamps.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.StaleClaim <= 0 {
		o.StaleClaim = 4 * o.CallTimeout
	}
	if o.Backoff == (BackoffPolicy{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.QueueBatch <= 0 {
		o.QueueBatch = 100
	}
	if o.ImageBatch <= 0 {
		o.ImageBatch = 50
	}
	if o.PointsLimit <= 0 {
		o.PointsLimit = 1000
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine coordinates local persistence, the durable queues, and the backend.
// Create one with [NewEngine].
type Engine struct {
	store   LocalStore
	remote  RemoteService
	network Connectivity
	session Session
	media   MediaUploader
	state   *StateHolder
	opts    Options
	log     *slog.Logger

	imagesRunning atomic.Bool

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer         trace.Tracer
	cntSynced      metric.Int64Counter
	cntFailed      metric.Int64Counter
	cntDeferred    metric.Int64Counter
	cntRemoteWins  metric.Int64Counter
	cntLocalWins   metric.Int64Counter
	cntImagesOK    metric.Int64Counter
	cntImagesError metric.Int64Counter
}

// NewEngine creates an Engine publishing to state. A nil state gets a fresh
// [StateHolder].
func NewEngine(deps Deps, state *StateHolder, opts Options, logger *slog.Logger) *Engine {
	if state == nil {
		state = NewStateHolder()
	}
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		store:   deps.Store,
		remote:  deps.Remote,
		network: deps.Network,
		session: deps.Session,
		media:   deps.Media,
		state:   state,
		opts:    opts.withDefaults(),
		log:     logger,

		tracer:         tracer,
		cntSynced:      mustCounter(metricQueueSynced, "Queued operations replayed successfully"),
		cntFailed:      mustCounter(metricQueueFailed, "Queued operation attempts that failed"),
		cntDeferred:    mustCounter(metricQueueDeferred, "Queued operations skipped by backoff"),
		cntRemoteWins:  mustCounter(metricRemoteWins, "Conflicts resolved in favor of the server"),
		cntLocalWins:   mustCounter(metricLocalWins, "Conflicts resolved in favor of the device"),
		cntImagesOK:    mustCounter(metricImagesUploaded, "Images uploaded"),
		cntImagesError: mustCounter(metricImagesFailed, "Image uploads that failed"),
	}
}

// State returns the holder the engine publishes to.
func (e *Engine) State() *StateHolder { return e.state }

// Backoff returns the retry policy in effect.
func (e *Engine) Backoff() BackoffPolicy { return e.opts.Backoff }

func (e *Engine) now() time.Time { return e.opts.Now() }

// --- connectivity ------------------------------------------------------------

// CheckConnection reports whether the backend is reachable: the device must
// be online and the health endpoint must answer 2xx within the call timeout.
// IsOnline is updated either way.
func (e *Engine) CheckConnection(ctx context.Context) bool {
	online := e.network.IsOnline(ctx)
	if online {
		if err := e.call(ctx, e.remote.HealthCheck); err != nil {
			e.log.Debug("health check failed", "error", err)
			online = false
		}
	}
	e.SetOnlineStatus(online)
	return online
}

// SetOnlineStatus overrides IsOnline.
func (e *Engine) SetOnlineStatus(online bool) {
	e.state.update(func(s *SyncState) { s.IsOnline = online })
}

// SetAutoSync toggles automatic draining after mutations and connectivity
// changes.
func (e *Engine) SetAutoSync(enabled bool) {
	e.state.update(func(s *SyncState) { s.AutoSync = enabled })
	e.log.Info("auto-sync changed", "enabled", enabled)
}

// --- full sync ---------------------------------------------------------------

// SyncAll drains the queue (when signed in), pulls points, symptoms and
// favorites concurrently, then processes images. The first pull error is
// returned after every collection has finished; collections that succeeded
// stay applied.
func (e *Engine) SyncAll(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, spanSyncAll)
	defer span.End()

	if !e.CheckConnection(ctx) {
		return ErrNoConnection
	}
	if !e.state.tryBeginSync() {
		return ErrSyncInProgress
	}
	defer e.state.endSync()

	user, signedIn := e.session.CurrentUser()
	if signedIn {
		// Push local intent first so the favorites pull does not clobber it.
		if _, err := e.ProcessSyncQueue(ctx); err != nil {
			e.log.Warn("draining queue before full sync failed", "error", err)
		}
	}

	start := e.now()
	var g errgroup.Group
	g.Go(func() error { return e.pullPoints(ctx) })
	g.Go(func() error { return e.pullSymptoms(ctx) })
	if signedIn {
		g.Go(func() error { return e.pullFavorites(ctx, user.ID) })
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		e.RefreshPendingOperations(ctx)
		return err
	}

	if _, err := e.SyncImages(ctx); err != nil {
		e.log.Warn("image sync after full sync failed", "error", err)
	}

	if err := e.store.UpdateSyncStatus(ctx, tableLastSync, model.SyncStatusSuccess); err != nil {
		e.log.Warn("persisting last sync time", "error", err)
	}
	finished := e.now()
	e.state.update(func(s *SyncState) { s.LastSync = finished })
	e.RefreshPendingOperations(ctx)

	span.SetAttributes(attribute.Bool("sync.signed_in", signedIn))
	e.log.Info("full sync complete", "duration", finished.Sub(start).Round(time.Millisecond))
	return nil
}

func (e *Engine) pullPoints(ctx context.Context) error {
	points, err := callValue(ctx, e, func(c context.Context) ([]model.Point, error) {
		return e.remote.GetPoints(c, model.PointQuery{Limit: e.opts.PointsLimit})
	})
	if err == nil {
		err = e.store.UpsertPoints(ctx, points)
	}
	if err == nil {
		ids := make([]string, len(points))
		for i := range points {
			ids[i] = points[i].ID
		}
		var removed int64
		removed, err = e.store.RemovePointsNotIn(ctx, ids)
		if removed > 0 {
			e.log.Info("removed points deleted on server", "count", removed)
		}
	}
	return e.recordPull(ctx, tablePoints, len(points), err)
}

func (e *Engine) pullSymptoms(ctx context.Context) error {
	symptoms, err := callValue(ctx, e, e.remote.GetSymptoms)
	if err == nil {
		err = e.store.UpsertSymptoms(ctx, symptoms)
	}
	return e.recordPull(ctx, tableSymptoms, len(symptoms), err)
}

func (e *Engine) pullFavorites(ctx context.Context, userID string) error {
	favs, err := callValue(ctx, e, e.remote.GetFavorites)
	if err == nil {
		ids := make([]string, len(favs))
		for i := range favs {
			ids[i] = favs[i].ID
		}
		err = e.store.ReplaceFavorites(ctx, userID, ids)
	}
	return e.recordPull(ctx, tableFavorites, len(favs), err)
}

func (e *Engine) recordPull(ctx context.Context, table string, n int, err error) error {
	status := model.SyncStatusSuccess
	if err != nil {
		status = model.SyncStatusError
	}
	if serr := e.store.UpdateSyncStatus(context.WithoutCancel(ctx), table, status); serr != nil {
		e.log.Warn("recording sync status", "table", table, "error", serr)
	}
	if err != nil {
		return fmt.Errorf("pulling %s: %w", table, err)
	}
	e.log.Debug("pulled collection", "table", table, "count", n)
	return nil
}

// --- daemon ------------------------------------------------------------------

// Watch subscribes to connectivity changes. Going offline is applied at
// once. Going online triggers a health check and, with auto-sync on, a drain
// of both queues on a separate goroutine, so the monitor keeps delivering
// transitions while the drain runs; the queues' single-flight guards keep
// overlapping drains apart. The returned stop unsubscribes and waits for any
// drain it started.
func (e *Engine) Watch(ctx context.Context) (stop func()) {
	var (
		mu      gosync.Mutex
		stopped bool
		wg      gosync.WaitGroup
	)
	unsubscribe := e.network.OnChange(func(online bool) {
		if ctx.Err() != nil {
			return
		}
		if !online {
			e.log.Info("device went offline")
			e.SetOnlineStatus(false)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !e.CheckConnection(ctx) {
				e.log.Info("device online but server unreachable")
				return
			}
			e.RefreshPendingOperations(ctx)
			e.drainIfAllowed(ctx)
		}()
	})
	return func() {
		unsubscribe()
		mu.Lock()
		stopped = true
		mu.Unlock()
		wg.Wait()
	}
}

// Run watches connectivity and drains both queues every poll interval until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	stop := e.Watch(ctx)
	defer stop()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	e.log.Info("sync engine started", "poll_interval", e.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			e.requeueStale(ctx)
			if !e.state.Snapshot().AutoSync {
				continue
			}
			if e.CheckConnection(ctx) {
				e.drain(ctx)
			}
		}
	}
}

// requeueStale returns abandoned claims, such as those of a crashed process,
// to the retry state. It reports how many were requeued.
func (e *Engine) requeueStale(ctx context.Context) int64 {
	n, err := e.store.RequeueInterrupted(ctx, e.opts.StaleClaim)
	if err != nil {
		e.log.Warn("requeueing stale claims", "error", err)
		return 0
	}
	if n > 0 {
		e.log.Info("requeued abandoned entries", "count", n, "stale_after", e.opts.StaleClaim)
	}
	return n
}

// drainIfAllowed drains when online with auto-sync enabled.
func (e *Engine) drainIfAllowed(ctx context.Context) {
	s := e.state.Snapshot()
	if s.IsOnline && s.AutoSync {
		e.drain(ctx)
	}
}

func (e *Engine) drain(ctx context.Context) {
	if _, err := e.ProcessSyncQueue(ctx); err != nil {
		e.log.Error("processing sync queue", "error", err)
	}
	if _, err := e.SyncImages(ctx); err != nil {
		e.log.Error("syncing images", "error", err)
	}
}

// --- remote call timeouts ----------------------------------------------------

// call runs fn with the per-call timeout. An expired timeout is returned as
// an error even if fn ignores its context.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	_, err := callValue(ctx, e, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}

func callValue[T any](ctx context.Context, e *Engine, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("remote call timed out after %s: %w", e.opts.CallTimeout, ctx.Err())
	}
}
