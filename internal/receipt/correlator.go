package receipt

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"disburse/internal/broker"
	"disburse/internal/domain"
	"disburse/internal/ledger"
	"disburse/internal/metrics"
	"disburse/internal/store"
)

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeUnmatched = "unmatched"
	outcomeMalformed = "malformed"
	outcomeError     = "error"
)

// Queue is the broker as the correlator consumes it.
type Queue interface {
	Receive(ctx context.Context) (broker.Delivery, error)
	Ack(ctx context.Context, d broker.Delivery) error
	Nack(ctx context.Context, d broker.Delivery) error
}

type Leader interface {
	IsLeader(ctx context.Context) (bool, error)
}

type Correlator struct {
	db      store.Store
	queue   Queue
	leader  Leader
	backoff time.Duration
}

// NewCorrelator consumes queue on every replica when leader is nil, and only
// on the leader otherwise.
func NewCorrelator(db store.Store, queue Queue, leader Leader) *Correlator {
	return &Correlator{db: db, queue: queue, leader: leader, backoff: time.Second}
}

// Run consumes until ctx is cancelled. A message is acknowledged only after
// its ledger write committed, or when it can never be applied.
func (c *Correlator) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if c.leader != nil {
			leader, err := c.leader.IsLeader(ctx)
			if err != nil || !leader {
				c.sleep(ctx)
				continue
			}
		}

		d, err := c.queue.Receive(ctx)
		if errors.Is(err, broker.ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("failed to receive receipt")
				c.sleep(ctx)
			}
			continue
		}

		// finish the message even when shutdown starts mid-way
		mctx := context.WithoutCancel(ctx)
		if err := c.Handle(mctx, d.Body); err != nil {
			log.Warn().Err(err).Msg("receipt not applied, returning it to the queue")
			if err := c.queue.Nack(mctx, d); err != nil {
				log.Error().Err(err).Msg("failed to nack receipt")
			}
			c.sleep(ctx)
			continue
		}
		if err := c.queue.Ack(mctx, d); err != nil {
			log.Error().Err(err).Msg("failed to ack receipt")
		}
	}
	return nil
}

// Handle applies one receipt. It returns an error only when the receipt
// should be delivered again.
func (c *Correlator) Handle(ctx context.Context, body []byte) error {
	r, err := Parse(body)
	if err != nil {
		metrics.RecordReceipt("", outcomeMalformed)
		log.Error().Err(err).Str("body", string(body)).Msg("dropping malformed receipt")
		return nil
	}
	status := r.Status()
	logger := log.With().
		Str("system", string(r.Key.System)).
		Str("case_id", r.Key.CaseID).
		Str("decision_id", r.Key.DecisionID).
		Str("instruction_id", r.Key.InstructionID).
		Str("status", string(status)).
		Logger()

	var rec domain.PaymentRecord
	err = c.db.InTx(ctx, func(q store.Querier) error {
		l := ledger.New(q)
		queued, err := l.FindQueued(ctx, r.Key)
		if err != nil {
			return err
		}
		rec, err = l.Confirm(ctx, queued, status, r.Fault())
		return err
	})
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		metrics.RecordReceipt(string(status), outcomeUnmatched)
		logger.Warn().Err(err).Msg("no submitted instruction awaiting this receipt")
		return nil
	case errors.Is(err, ledger.ErrNotQueued):
		metrics.RecordReceipt(string(status), outcomeDuplicate)
		logger.Info().Msg("instruction already confirmed")
		return nil
	case err != nil:
		metrics.RecordReceipt(string(status), outcomeError)
		return err
	}

	metrics.RecordReceipt(string(status), outcomeApplied)
	metrics.RecordTransition(string(status))
	event := logger.Info()
	if status.NeedsReview() {
		event = logger.Error().Str("code", r.Code).Str("description", r.Description)
	}
	event.Int("version", rec.Version).Msg("receipt applied")
	return nil
}

func (c *Correlator) sleep(ctx context.Context) {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
