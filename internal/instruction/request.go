package instruction

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"disburse/internal/domain"
)

// ValidationError rejects an instruction before it reaches any ledger.
type ValidationError struct {
	Field string `json:"field,omitempty"`
	Msg   string `json:"msg"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

type PreviousRef struct {
	DecisionID    string `json:"decisionId"`
	InstructionID string `json:"instructionId,omitempty"`
}

type PeriodRequest struct {
	Class      string          `json:"class"`
	Reference  string          `json:"reference,omitempty"`
	From       domain.Date     `json:"from"`
	To         domain.Date     `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
	RateType   domain.RateType `json:"rateType,omitempty"`
	PayingUnit string          `json:"payingUnit,omitempty"`
}

// Request is an inbound payment instruction.
type Request struct {
	System        domain.System        `json:"system"`
	CaseID        string               `json:"caseId"`
	DecisionID    string               `json:"decisionId"`
	InstructionID string               `json:"instructionId,omitempty"`
	BeneficiaryID string               `json:"beneficiaryId"`
	CaseWorkerID  string               `json:"caseWorkerId"`
	ApproverID    string               `json:"approverId"`
	DecidedAt     time.Time            `json:"decidedAt"`
	Previous      *PreviousRef         `json:"previous,omitempty"`
	Periods       []PeriodRequest      `json:"periods"`
	Terminations  []domain.Termination `json:"terminations,omitempty"`
}

func (r Request) Key() domain.PaymentKey {
	return domain.PaymentKey{System: r.System, CaseID: r.CaseID, DecisionID: r.DecisionID, InstructionID: r.InstructionID}
}

func (r Request) PreviousKey() *domain.PaymentKey {
	if r.Previous == nil {
		return nil
	}
	return &domain.PaymentKey{System: r.System, CaseID: r.CaseID, DecisionID: r.Previous.DecisionID, InstructionID: r.Previous.InstructionID}
}

const (
	maxCaseIDLen     = 25
	maxDecisionIDLen = 30
)

var beneficiaryPattern = regexp.MustCompile(`^[0-9]{11}$`)

// Validate checks the request on its own, without looking at earlier
// instructions.
func (r Request) Validate() error {
	if _, err := domain.ParseSystem(string(r.System)); err != nil {
		return invalid("system", "unknown system %q", r.System)
	}
	if r.CaseID == "" || len(r.CaseID) > maxCaseIDLen {
		return invalid("caseId", "must be 1-%d characters", maxCaseIDLen)
	}
	if r.DecisionID == "" || len(r.DecisionID) > maxDecisionIDLen {
		return invalid("decisionId", "must be 1-%d characters", maxDecisionIDLen)
	}
	if !beneficiaryPattern.MatchString(r.BeneficiaryID) {
		return invalid("beneficiaryId", "must be 11 digits")
	}
	if r.CaseWorkerID == "" {
		return invalid("caseWorkerId", "is required")
	}
	if r.ApproverID == "" {
		return invalid("approverId", "is required")
	}
	if r.DecidedAt.IsZero() {
		return invalid("decidedAt", "is required")
	}
	if r.Previous != nil {
		if r.Previous.DecisionID == "" {
			return invalid("previous", "decisionId is required")
		}
		if *r.PreviousKey() == r.Key() {
			return invalid("previous", "instruction cannot supersede itself")
		}
	}

	seen := make(map[domain.ChainKey][]PeriodRequest)
	for i, p := range r.Periods {
		field := fmt.Sprintf("periods[%d]", i)
		if p.Class == "" {
			return invalid(field, "class is required")
		}
		if p.From.IsZero() || p.To.IsZero() {
			return invalid(field, "from and to are required")
		}
		if p.To.Before(p.From) {
			return invalid(field, "to %s is before from %s", p.To, p.From)
		}
		if !p.Amount.IsPositive() {
			return invalid(field, "amount must be positive")
		}
		if p.RateType != "" && !p.RateType.Valid() {
			return invalid(field, "unknown rate type %q", p.RateType)
		}
		key := domain.ChainKeyOf(p.Class, p.Reference)
		for _, o := range seen[key] {
			if !p.From.After(o.To) && !o.From.After(p.To) {
				return invalid(field, "overlaps another period of %s", key)
			}
		}
		seen[key] = append(seen[key], p)
	}

	terminated := make(map[domain.ChainKey]bool)
	for i, t := range r.Terminations {
		field := fmt.Sprintf("terminations[%d]", i)
		if t.Class == "" {
			return invalid(field, "class is required")
		}
		if t.From.IsZero() {
			return invalid(field, "from is required")
		}
		if terminated[t.Chain()] {
			return invalid(field, "%s is terminated twice", t.Chain())
		}
		terminated[t.Chain()] = true
	}
	return nil
}

// DomainPeriods converts the requested periods, deriving rate types left out.
func (r Request) DomainPeriods() []domain.Period {
	out := make([]domain.Period, 0, len(r.Periods))
	for _, p := range r.Periods {
		rate := p.RateType
		if rate == "" {
			rate = DeriveRateType(p.From, p.To)
		}
		out = append(out, domain.Period{
			Class:      p.Class,
			Reference:  p.Reference,
			From:       p.From,
			To:         p.To,
			Amount:     p.Amount,
			RateType:   rate,
			PayingUnit: p.PayingUnit,
		})
	}
	return out
}
