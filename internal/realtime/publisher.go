package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/shared/signing"
	"github.com/marcus-qen/llmctl/internal/store"
)

const publishBatch = 256

// Publisher drains the transactional outbox to the broker. Envelopes leave
// in sequence order per stream; a publish failure stops the batch so no
// later envelope overtakes an earlier one.
type Publisher struct {
	store    *store.Store
	broker   Broker
	logger   *zap.Logger
	interval time.Duration

	masterKey []byte
	signerMu  sync.Mutex
	signers   map[string]*signing.Signer

	// OnPublish, when set, observes each published envelope (metrics).
	OnPublish func(env Envelope, lag time.Duration)
}

// NewPublisher builds a publisher. signingKey may be nil to disable
// envelope signatures.
func NewPublisher(st *store.Store, broker Broker, signingKey []byte, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     st,
		broker:    broker,
		logger:    logger,
		interval:  200 * time.Millisecond,
		masterKey: signingKey,
		signers:   map[string]*signing.Signer{},
	}
}

// Start runs the drain loop until ctx is cancelled. It satisfies the
// manager's Runnable contract.
func (p *Publisher) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.DrainOnce(ctx); err != nil {
				p.logger.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// NeedLeaderElection restricts publishing to the elected replica so each
// envelope is delivered once.
func (p *Publisher) NeedLeaderElection() bool { return true }

// DrainOnce publishes one batch of unpublished envelopes.
func (p *Publisher) DrainOnce(ctx context.Context) error {
	events, err := p.store.UnpublishedEvents(publishBatch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	published := make([]string, 0, len(events))
	// Streams that saw a failure are skipped for the rest of the batch so
	// per-stream order survives partial failures.
	stuck := map[string]bool{}
	now := time.Now().UTC()

	for _, ev := range events {
		if stuck[ev.SequenceStream] {
			continue
		}
		env := FromOutbox(ev)
		if p.masterKey != nil {
			sig, serr := p.signerFor(env.SequenceStream).Sign(env.IdempotencyKey, env.Payload)
			if serr != nil {
				p.logger.Error("sign envelope", zap.String("event_id", env.EventID), zap.Error(serr))
				stuck[ev.SequenceStream] = true
				continue
			}
			env.Signature = sig
		}
		if err := p.broker.Publish(ctx, env); err != nil {
			p.logger.Warn("publish envelope",
				zap.String("event_id", env.EventID),
				zap.String("stream", env.SequenceStream),
				zap.Error(err))
			stuck[ev.SequenceStream] = true
			continue
		}
		published = append(published, ev.EventID)
		if p.OnPublish != nil {
			p.OnPublish(env, now.Sub(ev.EmittedAt))
		}
	}

	if len(published) == 0 {
		return nil
	}
	return p.store.MarkEventsPublished(published)
}

func (p *Publisher) signerFor(stream string) *signing.Signer {
	p.signerMu.Lock()
	defer p.signerMu.Unlock()
	if s, ok := p.signers[stream]; ok {
		return s
	}
	s := signing.NewSigner(signing.DeriveStreamKey(p.masterKey, stream))
	p.signers[stream] = s
	return s
}
