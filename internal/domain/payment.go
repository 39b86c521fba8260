package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type System string

const (
	SystemDagpenger        System = "DAGPENGER"
	SystemTiltakspenger    System = "TILTAKSPENGER"
	SystemTilleggsstonader System = "TILLEGGSSTONADER"
)

var Systems = []System{SystemDagpenger, SystemTiltakspenger, SystemTilleggsstonader}

func ParseSystem(s string) (System, error) {
	for _, sys := range Systems {
		if string(sys) == s {
			return sys, nil
		}
	}
	return "", fmt.Errorf("unknown system %q", s)
}

type RateType string

const (
	RateMonthly    RateType = "MONTHLY"
	RateDaily      RateType = "DAILY"
	RateBankingDay RateType = "BANKING_DAY"
	RateOneOff     RateType = "ONE_OFF"
)

func (r RateType) Valid() bool {
	switch r {
	case RateMonthly, RateDaily, RateBankingDay, RateOneOff:
		return true
	}
	return false
}

// PaymentStatus is the lifecycle state of a payment ledger row.
type PaymentStatus string

const (
	PaymentQueued                   PaymentStatus = "QUEUED"
	PaymentConfirmedOk              PaymentStatus = "CONFIRMED_OK"
	PaymentConfirmedOkNoPayment     PaymentStatus = "CONFIRMED_OK_NO_PAYMENT"
	PaymentConfirmedWithDefects     PaymentStatus = "CONFIRMED_WITH_DEFECTS"
	PaymentConfirmedTechnicalError  PaymentStatus = "CONFIRMED_TECHNICAL_ERROR"
	PaymentConfirmedFunctionalError PaymentStatus = "CONFIRMED_FUNCTIONAL_ERROR"
	PaymentConfirmedUnknown         PaymentStatus = "CONFIRMED_UNKNOWN"
)

var PaymentStatuses = []PaymentStatus{
	PaymentQueued,
	PaymentConfirmedOk,
	PaymentConfirmedOkNoPayment,
	PaymentConfirmedWithDefects,
	PaymentConfirmedTechnicalError,
	PaymentConfirmedFunctionalError,
	PaymentConfirmedUnknown,
}

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	for _, st := range PaymentStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

func (s PaymentStatus) Terminal() bool { return s != PaymentQueued }

// NeedsReview reports whether the status is a confirmation that must be
// looked at by a case worker before anything else happens to the instruction.
func (s PaymentStatus) NeedsReview() bool {
	switch s {
	case PaymentConfirmedWithDefects, PaymentConfirmedTechnicalError,
		PaymentConfirmedFunctionalError, PaymentConfirmedUnknown:
		return true
	}
	return false
}

// Severity codes used by the execution service on confirmation receipts.
const (
	SeverityOK         = "00"
	SeverityDefects    = "04"
	SeverityFunctional = "08"
	SeverityTechnical  = "12"
)

// StatusForSeverity maps a receipt severity code to the confirmation status it
// represents. Unrecognized codes are ConfirmedUnknown.
func StatusForSeverity(code string) PaymentStatus {
	switch code {
	case SeverityOK:
		return PaymentConfirmedOk
	case SeverityDefects:
		return PaymentConfirmedWithDefects
	case SeverityFunctional:
		return PaymentConfirmedFunctionalError
	case SeverityTechnical:
		return PaymentConfirmedTechnicalError
	}
	return PaymentConfirmedUnknown
}

func (s PaymentStatus) SeverityCode() string {
	switch s {
	case PaymentConfirmedOk, PaymentConfirmedOkNoPayment:
		return SeverityOK
	case PaymentConfirmedWithDefects:
		return SeverityDefects
	case PaymentConfirmedFunctionalError:
		return SeverityFunctional
	case PaymentConfirmedTechnicalError:
		return SeverityTechnical
	}
	return ""
}

// PaymentKey identifies a logical payment instruction. An empty InstructionID
// is the primary instruction of the decision.
type PaymentKey struct {
	System        System `json:"system"`
	CaseID        string `json:"caseId"`
	DecisionID    string `json:"decisionId"`
	InstructionID string `json:"instructionId,omitempty"`
}

func (k PaymentKey) String() string {
	s := fmt.Sprintf("%s/%s/%s", k.System, k.CaseID, k.DecisionID)
	if k.InstructionID != "" {
		s += "/" + k.InstructionID
	}
	return s
}

// CaseKey groups all instructions of one case; chain computations for a case
// must be serialized.
func (k PaymentKey) CaseKey() string {
	return fmt.Sprintf("%s/%s", k.System, k.CaseID)
}

// ChainKey is the stable classification of a benefit stream.
type ChainKey string

func ChainKeyOf(class, reference string) ChainKey {
	if reference == "" {
		return ChainKey(class)
	}
	return ChainKey(class + "/" + reference)
}

type Period struct {
	Class            string          `json:"class"`
	Reference        string          `json:"reference,omitempty"`
	PeriodID         *int            `json:"periodId,omitempty"`
	PreviousPeriodID *int            `json:"previousPeriodId,omitempty"`
	From             Date            `json:"from"`
	To               Date            `json:"to"`
	Amount           decimal.Decimal `json:"amount"`
	RateType         RateType        `json:"rateType"`
	PayingUnit       string          `json:"payingUnit,omitempty"`
	TerminationDate  *Date           `json:"terminationDate,omitempty"`
}

func (p Period) Chain() ChainKey { return ChainKeyOf(p.Class, p.Reference) }

// SameTerms reports whether two periods describe the same payment, ignoring
// chain positions.
func (p Period) SameTerms(o Period) bool {
	return p.Class == o.Class &&
		p.Reference == o.Reference &&
		p.From.Equal(o.From) &&
		p.To.Equal(o.To) &&
		p.Amount.Equal(o.Amount) &&
		p.RateType == o.RateType &&
		p.PayingUnit == o.PayingUnit
}

type Termination struct {
	Class     string `json:"class"`
	Reference string `json:"reference,omitempty"`
	From      Date   `json:"from"`
}

func (t Termination) Chain() ChainKey { return ChainKeyOf(t.Class, t.Reference) }

type OperationKind string

const (
	OpNew        OperationKind = "NEW"
	OpAmended    OperationKind = "AMENDED"
	OpTerminated OperationKind = "TERMINATED"
)

type Operation struct {
	Kind   OperationKind `json:"kind"`
	Chain  ChainKey      `json:"chain"`
	Period Period        `json:"period"`
}

type Fault struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

// PaymentRecord is one revision of a payment instruction in the ledger.
type PaymentRecord struct {
	ID                 string
	Key                PaymentKey
	Revision           int
	Status             PaymentStatus
	Version            int
	BeneficiaryID      string
	CaseWorkerID       string
	ApproverID         string
	DecidedAt          time.Time
	Previous           *PaymentKey
	Periods            []Period
	Terminations       []Termination
	LastPeriodPerChain map[ChainKey]Period
	Operations         []Operation
	Fault              *Fault
	ResolvedAt         *time.Time
	// SubmittedAt is set just before the order is sent to the execution
	// service. Receipts only ever confirm a submitted revision.
	SubmittedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r PaymentRecord) Resolved() bool { return r.ResolvedAt != nil }

func (r PaymentRecord) Submitted() bool { return r.SubmittedAt != nil }
