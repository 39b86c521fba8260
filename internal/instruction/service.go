package instruction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"disburse/internal/domain"
	"disburse/internal/ledger"
	"disburse/internal/metrics"
	"disburse/internal/queue"
	"disburse/internal/store"
)

// ErrPreviousUnresolved rejects an instruction with nothing to pay whose
// predecessor has not been resolved yet, since its chain state is unknown.
var ErrPreviousUnresolved = errors.New("previous instruction is not resolved yet")

type Transactor interface {
	InTx(ctx context.Context, fn func(q store.Querier) error) error
}

type Service struct {
	db Transactor
}

func NewService(db Transactor) *Service { return &Service{db: db} }

// Create validates req and records it in the payment ledger. Instructions
// with periods or terminations get a Submit task in the same transaction;
// instructions with neither are confirmed immediately without payment.
func (s *Service) Create(ctx context.Context, req Request) (domain.PaymentRecord, error) {
	if err := req.Validate(); err != nil {
		metrics.RecordInstruction(string(req.System), "invalid")
		return domain.PaymentRecord{}, err
	}

	var rec domain.PaymentRecord
	err := s.db.InTx(ctx, func(q store.Querier) error {
		l := ledger.New(q)

		var prev *domain.PaymentRecord
		if key := req.PreviousKey(); key != nil {
			p, err := l.Latest(ctx, *key)
			if errors.Is(err, ledger.ErrNotFound) {
				return invalid("previous", "instruction %s does not exist", key)
			}
			if err != nil {
				return err
			}
			prev = &p
		}

		periods := req.DomainPeriods()
		if err := checkAgainstPrevious(periods, req.Terminations, prev); err != nil {
			return err
		}

		rec = domain.PaymentRecord{
			Key:           req.Key(),
			Status:        domain.PaymentQueued,
			BeneficiaryID: req.BeneficiaryID,
			CaseWorkerID:  req.CaseWorkerID,
			ApproverID:    req.ApproverID,
			DecidedAt:     req.DecidedAt.UTC(),
			Previous:      req.PreviousKey(),
			Periods:       periods,
			Terminations:  req.Terminations,
		}

		if len(periods) == 0 && len(req.Terminations) == 0 {
			return s.createWithoutPayment(ctx, l, &rec, prev)
		}

		created, err := l.Create(ctx, rec)
		if err != nil {
			return err
		}
		rec = created

		payload, err := json.Marshal(domain.SubmitPayload{RecordID: rec.ID})
		if err != nil {
			return err
		}
		_, err = queue.New(q).Create(ctx, domain.Task{
			Kind:           domain.KindSubmit,
			Payload:        payload,
			CorrelationKey: rec.Key.CaseKey(),
		})
		return err
	})

	switch {
	case err == nil:
		metrics.RecordInstruction(string(req.System), "created")
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ErrPreviousUnresolved):
		metrics.RecordInstruction(string(req.System), "conflict")
		return domain.PaymentRecord{}, err
	default:
		var verr *ValidationError
		if errors.As(err, &verr) {
			metrics.RecordInstruction(string(req.System), "invalid")
		}
		return domain.PaymentRecord{}, err
	}

	log.Info().
		Str("system", string(rec.Key.System)).
		Str("case_id", rec.Key.CaseID).
		Str("decision_id", rec.Key.DecisionID).
		Str("instruction_id", rec.Key.InstructionID).
		Int("revision", rec.Revision).
		Str("status", string(rec.Status)).
		Msg("payment instruction accepted")
	return rec, nil
}

func (s *Service) createWithoutPayment(ctx context.Context, l *ledger.Ledger, rec *domain.PaymentRecord, prev *domain.PaymentRecord) error {
	if prev != nil {
		if !prev.Resolved() {
			return fmt.Errorf("%w: %s", ErrPreviousUnresolved, prev.Key)
		}
		rec.LastPeriodPerChain = prev.LastPeriodPerChain
	}
	now := time.Now().UTC()
	rec.ResolvedAt = &now

	created, err := l.Create(ctx, *rec)
	if err != nil {
		return err
	}
	done, err := l.Transition(ctx, created, domain.PaymentConfirmedOkNoPayment)
	if err != nil {
		return err
	}
	metrics.RecordTransition(string(done.Status))
	*rec = done
	return nil
}

// checkAgainstPrevious rejects rate type changes within a chain and
// terminations of chains that were never paid.
func checkAgainstPrevious(periods []domain.Period, terms []domain.Termination, prev *domain.PaymentRecord) error {
	known := make(map[domain.ChainKey]domain.RateType)
	if prev != nil {
		for k, p := range prev.LastPeriodPerChain {
			known[k] = p.RateType
		}
		for _, p := range prev.Periods {
			known[p.Chain()] = p.RateType
		}
	}
	for i, p := range periods {
		if rate, ok := known[p.Chain()]; ok && rate != p.RateType {
			return invalid(fmt.Sprintf("periods[%d]", i), "rate type of %s cannot change from %s to %s", p.Chain(), rate, p.RateType)
		}
	}
	for i, t := range terms {
		if _, ok := known[t.Chain()]; !ok {
			return invalid(fmt.Sprintf("terminations[%d]", i), "%s has nothing to terminate", t.Chain())
		}
	}
	return nil
}
