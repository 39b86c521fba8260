package domain

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindSubmit     Kind = "SUBMIT"
	KindPollStatus Kind = "POLL_STATUS"
	KindReconcile  Kind = "RECONCILE"
)

// Kinds lists every task kind the scheduler must be able to dispatch.
var Kinds = []Kind{KindSubmit, KindPollStatus, KindReconcile}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusFail       Status = "FAIL"
	StatusManual     Status = "MANUAL"
	StatusComplete   Status = "COMPLETE"
)

var Statuses = []Status{StatusInProgress, StatusFail, StatusManual, StatusComplete}

func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

type Task struct {
	ID             string
	Kind           Kind
	Payload        []byte
	Status         Status
	Attempt        int
	Version        int
	CorrelationKey string // tasks sharing a key never run concurrently
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ScheduledFor   time.Time
	Message        string
}

type TaskHistory struct {
	ID        string
	TaskID    string
	Status    Status
	Attempt   int
	Message   string
	Actor     string
	Node      string
	CreatedAt time.Time
}

// SubmitPayload and StatusPayload point a task at a payment ledger row.
type SubmitPayload struct {
	RecordID string `json:"recordId"`
}

type StatusPayload struct {
	RecordID string `json:"recordId"`
}

// ReconcilePayload names one reconciliation window [From, To) of a system.
type ReconcilePayload struct {
	System System    `json:"system"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}
