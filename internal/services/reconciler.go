package services

import (
	"context"
	"sync"
	"time"

	"botforge/internal/metrics"

	"github.com/sirupsen/logrus"
)

// KindFetcher refetches the detailed item list for one source kind. The
// reconciler only decides WHEN to fetch; what the rows look like is the
// caller's business.
type KindFetcher func(ctx context.Context, botID uint, kind string) error

// SnapshotPoller fetches an authoritative snapshot, used when the push
// channel (re)connects and its history is unknown.
type SnapshotPoller func(ctx context.Context, botID uint) (*StatusSnapshot, error)

// Reconciler consumes pushed status snapshots for one bot and turns them into
// at most one detail refetch per kind per quiet period. A change arriving
// while a fetch is in flight marks it for a rerun instead of stacking a
// second fetch.
type Reconciler struct {
	botID  uint
	quiet  time.Duration
	fetch  KindFetcher
	poll   SnapshotPoller
	logger *logrus.Logger

	mu       sync.Mutex
	last     map[string]KindHistogram
	timers   map[string]*time.Timer
	inFlight map[string]bool
	rerun    map[string]bool
}

// NewReconciler creates a reconciler for one bot. quiet is the debounce
// window after the last observed change; zero or negative falls back to two
// seconds.
func NewReconciler(botID uint, quiet time.Duration, fetch KindFetcher, poll SnapshotPoller, logger *logrus.Logger) *Reconciler {
	if quiet <= 0 {
		quiet = 2 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{
		botID:    botID,
		quiet:    quiet,
		fetch:    fetch,
		poll:     poll,
		logger:   logger,
		last:     make(map[string]KindHistogram),
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]bool),
		rerun:    make(map[string]bool),
	}
}

// OnSnapshot ingests one pushed snapshot. Each kind whose histogram differs
// from the previously seen one gets its debounce timer (re)armed.
func (r *Reconciler) OnSnapshot(snap *StatusSnapshot) {
	if snap == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, hist := range snap.Kinds {
		if prev, ok := r.last[kind]; ok && prev == hist {
			continue
		}
		r.last[kind] = hist
		r.arm(kind)
	}
}

// arm resets the kind's debounce timer; caller holds r.mu.
func (r *Reconciler) arm(kind string) {
	if t, ok := r.timers[kind]; ok {
		t.Reset(r.quiet)
		return
	}
	r.timers[kind] = time.AfterFunc(r.quiet, func() { r.refetch(kind) })
}

func (r *Reconciler) refetch(kind string) {
	r.mu.Lock()
	delete(r.timers, kind)
	if r.inFlight[kind] {
		// A fetch is already running; its result may miss this change, so
		// queue exactly one rerun.
		r.rerun[kind] = true
		r.mu.Unlock()
		return
	}
	r.inFlight[kind] = true
	r.mu.Unlock()

	go r.runFetch(kind)
}

func (r *Reconciler) runFetch(kind string) {
	for {
		metrics.IncRefetchTriggered()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := r.fetch(ctx, r.botID, kind)
		cancel()
		if err != nil {
			r.logger.Warnf("Detail refetch failed for bot %d kind %s: %v", r.botID, kind, err)
		}

		r.mu.Lock()
		if r.rerun[kind] {
			delete(r.rerun, kind)
			r.mu.Unlock()
			continue
		}
		delete(r.inFlight, kind)
		r.mu.Unlock()
		return
	}
}

// Resync polls an authoritative snapshot, wipes debounce state, and refetches
// every kind immediately. Called on connect and reconnect, when pushes may
// have been missed.
func (r *Reconciler) Resync(ctx context.Context) error {
	if r.poll == nil {
		return nil
	}
	snap, err := r.poll(ctx, r.botID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for kind, t := range r.timers {
		t.Stop()
		delete(r.timers, kind)
	}
	kinds := make([]string, 0, len(snap.Kinds))
	for kind, hist := range snap.Kinds {
		r.last[kind] = hist
		kinds = append(kinds, kind)
	}
	r.mu.Unlock()

	for _, kind := range kinds {
		r.mu.Lock()
		if r.inFlight[kind] {
			r.rerun[kind] = true
			r.mu.Unlock()
			continue
		}
		r.inFlight[kind] = true
		r.mu.Unlock()
		go r.runFetch(kind)
	}
	return nil
}

// OnDisconnect drops per-kind history so the next snapshot after a reconnect
// is treated as fresh rather than diffed against stale state.
func (r *Reconciler) OnDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, t := range r.timers {
		t.Stop()
		delete(r.timers, kind)
	}
	r.last = make(map[string]KindHistogram)
}
