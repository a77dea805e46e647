package services

import (
	"context"
	"time"

	"botforge/internal/models"

	"github.com/sirupsen/logrus"
)

// LocalPipeline simulates an ingestion collaborator in-process: items run
// through the phase sequence on goroutines with a configurable step delay.
// Used when no extraction backend is configured (local development) and by
// end-to-end tests.
type LocalPipeline struct {
	kind     string
	reporter PhaseReporter
	logger   *logrus.Logger
	// StepDelay between phase reports; zero reports phases back to back.
	StepDelay time.Duration
	// WordsPerItem stands in for real extraction output.
	WordsPerItem int64
	BytesPerItem int64
	// FailExternalID marks one external id to fail at extraction, for tests
	// and demos of the failure branch.
	FailExternalID string
}

// NewLocalPipeline creates a simulated pipeline for one kind.
func NewLocalPipeline(kind string, reporter PhaseReporter, logger *logrus.Logger) *LocalPipeline {
	if logger == nil {
		logger = logrus.New()
	}
	return &LocalPipeline{
		kind:         kind,
		reporter:     reporter,
		logger:       logger,
		StepDelay:    200 * time.Millisecond,
		WordsPerItem: 1200,
		BytesPerItem: 64 * 1024,
	}
}

// Kind implements Pipeline.
func (p *LocalPipeline) Kind() string { return p.kind }

func (p *LocalPipeline) report(itemID uint, phase string, words, bytes *int64, errorCode string) {
	err := p.reporter.ReportPhaseChange(context.Background(), &PhaseChangeRequest{
		ItemID:       itemID,
		Phase:        phase,
		WordCount:    words,
		StorageBytes: bytes,
		ErrorCode:    errorCode,
	})
	if err != nil {
		p.logger.Warnf("Local %s pipeline report for item %d: %v", p.kind, itemID, err)
	}
}

// StartExtraction implements Pipeline: Queued -> Extracting -> Extracted
// (or Failed), detached from the caller.
func (p *LocalPipeline) StartExtraction(_ context.Context, item *models.ContentItem) error {
	itemID, externalID := item.ID, item.ExternalID
	go func() {
		time.Sleep(p.StepDelay)
		p.report(itemID, models.PhaseExtracting, nil, nil, "")
		time.Sleep(p.StepDelay)
		if externalID == p.FailExternalID && p.FailExternalID != "" {
			p.report(itemID, models.PhaseFailed, nil, nil, "extraction_failed")
			return
		}
		words, bytes := p.WordsPerItem, p.BytesPerItem
		p.report(itemID, models.PhaseExtracted, &words, &bytes, "")
	}()
	return nil
}

// EnqueueEmbedding implements Pipeline: each non-failed item runs
// Embedding -> Succeeded, detached from the caller.
func (p *LocalPipeline) EnqueueEmbedding(_ context.Context, batchID string, items []models.ContentItem) error {
	snapshot := make([]models.ContentItem, len(items))
	copy(snapshot, items)
	go func() {
		for _, it := range snapshot {
			if it.Phase == models.PhaseFailed {
				continue
			}
			time.Sleep(p.StepDelay)
			p.report(it.ID, models.PhaseEmbedding, nil, nil, "")
			time.Sleep(p.StepDelay)
			p.report(it.ID, models.PhaseSucceeded, nil, nil, "")
		}
		p.logger.Debugf("Local %s pipeline finished batch %s (%d items)", p.kind, batchID, len(snapshot))
	}()
	return nil
}

// NewLocalPipelines builds simulated pipelines for all three kinds.
func NewLocalPipelines(reporter PhaseReporter, logger *logrus.Logger) []Pipeline {
	return []Pipeline{
		NewLocalPipeline(models.KindFile, reporter, logger),
		NewLocalPipeline(models.KindWebPage, reporter, logger),
		NewLocalPipeline(models.KindVideo, reporter, logger),
	}
}
