package services

import (
	"context"
	"fmt"

	"botforge/internal/models"
	"botforge/pkg/extract"
)

// ExtractPipeline is the production Pipeline: one content kind routed to the
// external extraction service over HTTP. Phase progress arrives back on the
// pipeline callback endpoint.
type ExtractPipeline struct {
	kind   string
	client extract.ExtractorInterface
}

// NewExtractPipeline wraps the extract client for one kind.
func NewExtractPipeline(kind string, client extract.ExtractorInterface) *ExtractPipeline {
	return &ExtractPipeline{kind: kind, client: client}
}

// Kind implements Pipeline.
func (p *ExtractPipeline) Kind() string { return p.kind }

// StartExtraction implements Pipeline.
func (p *ExtractPipeline) StartExtraction(ctx context.Context, item *models.ContentItem) error {
	_, err := p.client.SubmitExtraction(ctx, &extract.SubmitRequest{
		ItemID:     item.ID,
		Source:     p.kind,
		ExternalID: item.ExternalID,
		Title:      item.Title,
	})
	if err != nil {
		return fmt.Errorf("submit %s extraction: %w", p.kind, err)
	}
	return nil
}

// EnqueueEmbedding implements Pipeline.
func (p *ExtractPipeline) EnqueueEmbedding(ctx context.Context, batchID string, items []models.ContentItem) error {
	req := &extract.BatchRequest{
		BatchID: batchID,
		Source:  p.kind,
		Items:   make([]extract.BatchItem, 0, len(items)),
	}
	for _, it := range items {
		req.Items = append(req.Items, extract.BatchItem{ItemID: it.ID, ExternalID: it.ExternalID})
	}
	if _, err := p.client.EnqueueEmbedding(ctx, req); err != nil {
		return fmt.Errorf("enqueue %s embedding: %w", p.kind, err)
	}
	return nil
}

// NewExtractPipelines builds the three production pipelines sharing one client.
func NewExtractPipelines(client extract.ExtractorInterface) []Pipeline {
	return []Pipeline{
		NewExtractPipeline(models.KindFile, client),
		NewExtractPipeline(models.KindWebPage, client),
		NewExtractPipeline(models.KindVideo, client),
	}
}
