package domains

import (
	"context"
	"encoding/json"
)

// RAGService is the retrieval engine boundary. The engine itself is
// external; the domain only shapes requests and traces.
type RAGService interface {
	FullIndex(ctx context.Context, collection string) (indexed int, err error)
	DeltaIndex(ctx context.Context, collection string) (indexed int, err error)
	Query(ctx context.Context, collection, text string, topK int) ([]RAGHit, error)
}

// RAGHit is one retrieved chunk.
type RAGHit struct {
	DocumentID string  `json:"document_id"`
	Chunk      string  `json:"chunk"`
	Score      float64 `json:"score"`
}

type ragParams struct {
	Collection string `json:"collection"`
	Text       string `json:"text,omitempty"`
	TopK       int    `json:"top_k,omitempty"`
}

func registerRAG(r *Registry, svc RAGService) {
	r.Register("rag", "full_index", ragIndex(svc, true))
	r.Register("rag", "delta_index", ragIndex(svc, false))
	r.Register("rag", "query", ragQuery(svc))
}

func ragIndex(svc RAGService, full bool) Handler {
	return func(ctx context.Context, _ *Context, params json.RawMessage) (*Result, error) {
		if svc == nil {
			return nil, providerErr("no rag service configured")
		}
		var p ragParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Collection == "" {
			return nil, validationErr("collection is required")
		}
		var (
			indexed int
			err     error
		)
		if full {
			indexed, err = svc.FullIndex(ctx, p.Collection)
		} else {
			indexed, err = svc.DeltaIndex(ctx, p.Collection)
		}
		if err != nil {
			return nil, providerErr("index %s: %v", p.Collection, err)
		}
		return &Result{
			Output: map[string]any{"collection": p.Collection},
			Counts: map[string]int{"documents_indexed": indexed},
		}, nil
	}
}

func ragQuery(svc RAGService) Handler {
	return func(ctx context.Context, _ *Context, params json.RawMessage) (*Result, error) {
		if svc == nil {
			return nil, providerErr("no rag service configured")
		}
		var p ragParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Collection == "" || p.Text == "" {
			return nil, validationErr("collection and text are required")
		}
		topK := p.TopK
		if topK <= 0 {
			topK = 8
		}
		hits, err := svc.Query(ctx, p.Collection, p.Text, topK)
		if err != nil {
			return nil, providerErr("query %s: %v", p.Collection, err)
		}
		return &Result{
			Output: map[string]any{"hits": hits},
			Counts: map[string]int{"hits": len(hits)},
		}, nil
	}
}
