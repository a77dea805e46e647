package services

import (
	"context"
	"fmt"

	"botforge/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Pipeline is one content source's ingestion collaborator: the file
// processor, web crawler, or transcript fetcher. The core only asks it to
// start work; progress comes back through ReportPhaseChange.
type Pipeline interface {
	Kind() string
	// StartExtraction kicks off extraction for one staged item.
	StartExtraction(ctx context.Context, item *models.ContentItem) error
	// EnqueueEmbedding submits a committed batch slice for embedding.
	EnqueueEmbedding(ctx context.Context, batchID string, items []models.ContentItem) error
}

// PhaseReporter receives pipeline progress callbacks. StatusService is the
// production implementation.
type PhaseReporter interface {
	ReportPhaseChange(ctx context.Context, req *PhaseChangeRequest) error
}

// PipelineDispatcher routes dispatch calls to the per-kind pipelines behind
// a shared circuit breaker, so a dead extraction backend fails commits fast.
type PipelineDispatcher struct {
	logger    *logrus.Logger
	breaker   *CircuitBreaker
	pipelines map[string]Pipeline
}

// NewPipelineDispatcher wires the per-kind pipelines. breaker may be nil to
// disable fast-fail.
func NewPipelineDispatcher(logger *logrus.Logger, breaker *CircuitBreaker, pipelines ...Pipeline) *PipelineDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	m := make(map[string]Pipeline, len(pipelines))
	for _, p := range pipelines {
		m[p.Kind()] = p
	}
	return &PipelineDispatcher{logger: logger, breaker: breaker, pipelines: m}
}

func (d *PipelineDispatcher) pipeline(kind string) (Pipeline, error) {
	p, ok := d.pipelines[kind]
	if !ok {
		return nil, fmt.Errorf("no pipeline registered for kind %q", kind)
	}
	return p, nil
}

func (d *PipelineDispatcher) guarded(call func() error) error {
	if d.breaker != nil && !d.breaker.Allow() {
		return fmt.Errorf("extraction backend unavailable (circuit %s)", d.breaker.State())
	}
	err := call()
	if d.breaker != nil {
		if err != nil {
			d.breaker.OnFailure()
		} else {
			d.breaker.OnSuccess()
		}
	}
	return err
}

// DispatchExtraction implements Dispatcher.
func (d *PipelineDispatcher) DispatchExtraction(ctx context.Context, item *models.ContentItem) error {
	p, err := d.pipeline(item.Kind)
	if err != nil {
		return err
	}
	return d.guarded(func() error { return p.StartExtraction(ctx, item) })
}

// EnqueueBatch implements Dispatcher. Items are grouped by kind and enqueued
// to the three pipelines concurrently; any failure fails the whole batch so
// the caller can run its commit compensation.
func (d *PipelineDispatcher) EnqueueBatch(ctx context.Context, batchID string, items []models.ContentItem) error {
	byKind := make(map[string][]models.ContentItem)
	for _, it := range items {
		byKind[it.Kind] = append(byKind[it.Kind], it)
	}

	g, gctx := errgroup.WithContext(ctx)
	for kind, slice := range byKind {
		p, err := d.pipeline(kind)
		if err != nil {
			return err
		}
		kind, slice, p := kind, slice, p
		g.Go(func() error {
			if err := d.guarded(func() error { return p.EnqueueEmbedding(gctx, batchID, slice) }); err != nil {
				return fmt.Errorf("enqueue %s batch: %w", kind, err)
			}
			d.logger.Debugf("Enqueued %d %s items for batch %s", len(slice), kind, batchID)
			return nil
		})
	}
	return g.Wait()
}
