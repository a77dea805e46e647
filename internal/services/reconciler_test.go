package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"botforge/internal/models"
)

type fetchRecorder struct {
	mu      sync.Mutex
	byKind  map[string]int
	block   chan struct{} // when set, fetches wait on it
	started chan string
}

func newFetchRecorder() *fetchRecorder {
	return &fetchRecorder{byKind: make(map[string]int)}
}

func (f *fetchRecorder) fetch(ctx context.Context, botID uint, kind string) error {
	if f.started != nil {
		f.started <- kind
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.byKind[kind]++
	f.mu.Unlock()
	return nil
}

func (f *fetchRecorder) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byKind[kind]
}

func snapWith(kinds map[string]KindHistogram) *StatusSnapshot {
	return &StatusSnapshot{BotID: 1, Kinds: kinds, GeneratedAt: time.Now()}
}

func TestReconciler_DebouncesBurstToOneFetch(t *testing.T) {
	rec := newFetchRecorder()
	r := NewReconciler(1, 30*time.Millisecond, rec.fetch, nil, nil)

	// Five snapshots in quick succession, file counters moving each time.
	for i := 1; i <= 5; i++ {
		r.OnSnapshot(snapWith(map[string]KindHistogram{
			models.KindFile:    {Extracting: i},
			models.KindWebPage: {},
		}))
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if n := rec.count(models.KindFile); n != 1 {
		t.Errorf("file fetches = %d, want 1", n)
	}
	// The webpage histogram only appeared once, with identical zero counts
	// afterwards, so it fetched once too.
	if n := rec.count(models.KindWebPage); n != 1 {
		t.Errorf("webpage fetches = %d, want 1", n)
	}
}

func TestReconciler_UnchangedKindDoesNotRefetch(t *testing.T) {
	rec := newFetchRecorder()
	r := NewReconciler(1, 20*time.Millisecond, rec.fetch, nil, nil)

	same := map[string]KindHistogram{models.KindFile: {Succeeded: 3}}
	r.OnSnapshot(snapWith(same))
	time.Sleep(80 * time.Millisecond)
	r.OnSnapshot(snapWith(same))
	time.Sleep(80 * time.Millisecond)

	if n := rec.count(models.KindFile); n != 1 {
		t.Errorf("fetches = %d for unchanged histogram, want 1", n)
	}
}

// A change arriving while a fetch is in flight queues exactly one rerun
// instead of a parallel fetch.
func TestReconciler_SingleFlightWithRerun(t *testing.T) {
	rec := newFetchRecorder()
	rec.block = make(chan struct{})
	rec.started = make(chan string, 8)
	r := NewReconciler(1, 10*time.Millisecond, rec.fetch, nil, nil)

	r.OnSnapshot(snapWith(map[string]KindHistogram{models.KindFile: {Extracting: 1}}))
	<-rec.started // first fetch running, blocked

	// Three more changes land while it runs.
	for i := 2; i <= 4; i++ {
		r.OnSnapshot(snapWith(map[string]KindHistogram{models.KindFile: {Extracting: i}}))
		time.Sleep(15 * time.Millisecond)
	}

	close(rec.block)
	<-rec.started // the single queued rerun
	time.Sleep(50 * time.Millisecond)

	if n := rec.count(models.KindFile); n != 2 {
		t.Errorf("fetches = %d, want 2 (one in flight + one rerun)", n)
	}
}

func TestReconciler_ResyncPollsAndRefetches(t *testing.T) {
	rec := newFetchRecorder()
	polls := 0
	poll := func(ctx context.Context, botID uint) (*StatusSnapshot, error) {
		polls++
		return snapWith(map[string]KindHistogram{
			models.KindFile:    {Succeeded: 2},
			models.KindWebPage: {Queued: 1},
		}), nil
	}
	r := NewReconciler(1, 20*time.Millisecond, rec.fetch, poll, nil)

	if err := r.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	if polls != 1 {
		t.Errorf("polls = %d, want 1", polls)
	}
	if rec.count(models.KindFile) != 1 || rec.count(models.KindWebPage) != 1 {
		t.Errorf("fetches = file:%d webpage:%d, want 1 each",
			rec.count(models.KindFile), rec.count(models.KindWebPage))
	}

	// The polled histograms seed the diff state: the same snapshot pushed
	// right after reconnect changes nothing.
	r.OnSnapshot(snapWith(map[string]KindHistogram{
		models.KindFile:    {Succeeded: 2},
		models.KindWebPage: {Queued: 1},
	}))
	time.Sleep(80 * time.Millisecond)
	if rec.count(models.KindFile) != 1 {
		t.Errorf("file fetches = %d after identical snapshot, want 1", rec.count(models.KindFile))
	}
}

func TestReconciler_DisconnectClearsHistory(t *testing.T) {
	rec := newFetchRecorder()
	r := NewReconciler(1, 20*time.Millisecond, rec.fetch, nil, nil)

	snap := map[string]KindHistogram{models.KindFile: {Succeeded: 1}}
	r.OnSnapshot(snapWith(snap))
	time.Sleep(80 * time.Millisecond)

	r.OnDisconnect()

	// After a disconnect the first snapshot is treated as fresh even when it
	// matches the last one seen before the drop.
	r.OnSnapshot(snapWith(snap))
	time.Sleep(80 * time.Millisecond)

	if n := rec.count(models.KindFile); n != 2 {
		t.Errorf("fetches = %d, want 2 (history cleared on disconnect)", n)
	}
}
