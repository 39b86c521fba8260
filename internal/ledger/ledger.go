// Package ledger persists payment instructions and moves them through their
// confirmation lifecycle.
//
// Every row carries a version. Mutations name the version they read and fail
// when the stored one has moved on, so two writers can never both win.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"disburse/internal/domain"
	"disburse/internal/store"
)

var (
	ErrNotFound        = errors.New("payment instruction not found")
	ErrConflict        = errors.New("payment instruction already exists")
	ErrVersionConflict = errors.New("payment instruction was modified concurrently")
	ErrNotQueued       = errors.New("payment instruction is no longer queued")
)

type Ledger struct{ q store.Querier }

// New binds the ledger to q, which may be the database or an open transaction.
func New(q store.Querier) *Ledger { return &Ledger{q: q} }

const recordColumns = `id,system,case_id,decision_id,instruction_id,revision,status,version,
beneficiary_id,case_worker_id,approver_id,decided_at,previous_decision_id,previous_instruction_id,
periods,terminations,last_period_per_chain,operations,fault_code,fault_text,resolved_at,created_at,updated_at,submitted_at`

// Create stores rec as the next revision of its key. A key may only be
// revised once every earlier revision ended in a status needing review.
func (l *Ledger) Create(ctx context.Context, rec domain.PaymentRecord) (domain.PaymentRecord, error) {
	revisions, err := l.Versions(ctx, rec.Key)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	rec.Revision = 0
	for _, r := range revisions {
		if !r.Status.NeedsReview() {
			return domain.PaymentRecord{}, fmt.Errorf("%w: %s is %s", ErrConflict, rec.Key, r.Status)
		}
		if r.Revision >= rec.Revision {
			rec.Revision = r.Revision + 1
		}
	}

	now := time.Now().UTC()
	rec.ID = "pi_" + uuid.NewString()
	if rec.Status == "" {
		rec.Status = domain.PaymentQueued
	}
	rec.Version = 0
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.LastPeriodPerChain == nil {
		rec.LastPeriodPerChain = map[domain.ChainKey]domain.Period{}
	}

	cols, err := encodeRecord(rec)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	var prevDecision, prevInstruction sql.NullString
	if rec.Previous != nil {
		prevDecision = sql.NullString{String: rec.Previous.DecisionID, Valid: true}
		prevInstruction = sql.NullString{String: rec.Previous.InstructionID, Valid: true}
	}
	_, err = l.q.ExecContext(ctx, `
INSERT INTO payment_instruction (`+recordColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, string(rec.Key.System), rec.Key.CaseID, rec.Key.DecisionID, rec.Key.InstructionID, rec.Revision,
		string(rec.Status), rec.Version, rec.BeneficiaryID, rec.CaseWorkerID, rec.ApproverID, rec.DecidedAt.UTC(),
		prevDecision, prevInstruction, cols.periods, cols.terminations, cols.lastPerChain, cols.operations,
		cols.faultCode, cols.faultText, nullTime(rec.ResolvedAt), rec.CreatedAt, rec.UpdatedAt, nullTime(rec.SubmittedAt))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return domain.PaymentRecord{}, fmt.Errorf("%w: %s", ErrConflict, rec.Key)
		}
		return domain.PaymentRecord{}, fmt.Errorf("insert payment instruction: %w", err)
	}
	return rec, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (domain.PaymentRecord, error) {
	row := l.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM payment_instruction WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Latest returns the highest revision of key.
func (l *Ledger) Latest(ctx context.Context, key domain.PaymentKey) (domain.PaymentRecord, error) {
	row := l.q.QueryRowContext(ctx, `
SELECT `+recordColumns+` FROM payment_instruction
WHERE system = ? AND case_id = ? AND decision_id = ? AND instruction_id = ?
ORDER BY revision DESC LIMIT 1`,
		string(key.System), key.CaseID, key.DecisionID, key.InstructionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentRecord{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, err
}

// Versions returns every revision of key, oldest first.
func (l *Ledger) Versions(ctx context.Context, key domain.PaymentKey) ([]domain.PaymentRecord, error) {
	rows, err := l.q.QueryContext(ctx, `
SELECT `+recordColumns+` FROM payment_instruction
WHERE system = ? AND case_id = ? AND decision_id = ? AND instruction_id = ?
ORDER BY revision ASC`,
		string(key.System), key.CaseID, key.DecisionID, key.InstructionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// FindQueued scans the revisions of key for the one awaiting confirmation.
// A queued revision that was never sent to the execution service cannot be
// what a receipt confirms, so it is not a match.
func (l *Ledger) FindQueued(ctx context.Context, key domain.PaymentKey) (domain.PaymentRecord, error) {
	revisions, err := l.Versions(ctx, key)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	for _, r := range revisions {
		if r.Status != domain.PaymentQueued {
			continue
		}
		if !r.Submitted() {
			return domain.PaymentRecord{}, fmt.Errorf("%w: revision %d of %s is not submitted yet", ErrNotFound, r.Revision, key)
		}
		return r, nil
	}
	return domain.PaymentRecord{}, fmt.Errorf("%w: no queued revision of %s", ErrNotFound, key)
}

// ListCreatedBetween returns the instructions of system created in [from, to).
func (l *Ledger) ListCreatedBetween(ctx context.Context, system domain.System, from, to time.Time) ([]domain.PaymentRecord, error) {
	rows, err := l.q.QueryContext(ctx, `
SELECT `+recordColumns+` FROM payment_instruction
WHERE system = ? AND created_at >= ? AND created_at < ?
ORDER BY created_at ASC`,
		string(system), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// UpdatePeriods stores the resolved chain positions and operations of rec and
// marks it resolved.
func (l *Ledger) UpdatePeriods(ctx context.Context, rec domain.PaymentRecord) (domain.PaymentRecord, error) {
	cols, err := encodeRecord(rec)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	now := time.Now().UTC()
	res, err := l.q.ExecContext(ctx, `
UPDATE payment_instruction
SET periods = ?, last_period_per_chain = ?, operations = ?, resolved_at = ?, updated_at = ?, version = version + 1
WHERE id = ? AND version = ?`,
		cols.periods, cols.lastPerChain, cols.operations, now, now, rec.ID, rec.Version)
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("update periods of %s: %w", rec.ID, err)
	}
	if err := l.checkAffected(ctx, res, rec, false); err != nil {
		return domain.PaymentRecord{}, err
	}
	rec.ResolvedAt = &now
	rec.UpdatedAt = now
	rec.Version++
	return rec, nil
}

// MarkSubmitted stamps a queued, resolved rec as sent. The stamp is written
// once and leaves the version alone: it only widens which receipts may
// confirm the row and never races a state change.
func (l *Ledger) MarkSubmitted(ctx context.Context, rec domain.PaymentRecord) (domain.PaymentRecord, error) {
	if rec.Submitted() {
		return rec, nil
	}
	if !rec.Resolved() {
		return domain.PaymentRecord{}, fmt.Errorf("mark %s submitted: not resolved", rec.ID)
	}
	now := time.Now().UTC()
	res, err := l.q.ExecContext(ctx, `
UPDATE payment_instruction
SET submitted_at = ?
WHERE id = ? AND status = 'QUEUED' AND submitted_at IS NULL`,
		now, rec.ID)
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("mark %s submitted: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	if n == 0 {
		current, err := l.Get(ctx, rec.ID)
		if err != nil {
			return domain.PaymentRecord{}, err
		}
		if current.Status != domain.PaymentQueued {
			return domain.PaymentRecord{}, fmt.Errorf("%w: %s is %s", ErrNotQueued, rec.ID, current.Status)
		}
		rec.SubmittedAt = current.SubmittedAt
		return rec, nil
	}
	rec.SubmittedAt = &now
	return rec, nil
}

func (l *Ledger) RecordFault(ctx context.Context, rec domain.PaymentRecord, fault domain.Fault) (domain.PaymentRecord, error) {
	now := time.Now().UTC()
	res, err := l.q.ExecContext(ctx, `
UPDATE payment_instruction
SET fault_code = ?, fault_text = ?, updated_at = ?, version = version + 1
WHERE id = ? AND version = ? AND status = 'QUEUED'`,
		fault.Code, fault.Text, now, rec.ID, rec.Version)
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("record fault on %s: %w", rec.ID, err)
	}
	if err := l.checkAffected(ctx, res, rec, true); err != nil {
		return domain.PaymentRecord{}, err
	}
	rec.Fault = &fault
	rec.UpdatedAt = now
	rec.Version++
	return rec, nil
}

// Transition moves a queued rec to a confirmation status.
func (l *Ledger) Transition(ctx context.Context, rec domain.PaymentRecord, to domain.PaymentStatus) (domain.PaymentRecord, error) {
	if !to.Terminal() {
		return domain.PaymentRecord{}, fmt.Errorf("invalid transition of %s to %s", rec.ID, to)
	}
	now := time.Now().UTC()
	res, err := l.q.ExecContext(ctx, `
UPDATE payment_instruction
SET status = ?, updated_at = ?, version = version + 1
WHERE id = ? AND version = ? AND status = 'QUEUED'`,
		string(to), now, rec.ID, rec.Version)
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("transition %s to %s: %w", rec.ID, to, err)
	}
	if err := l.checkAffected(ctx, res, rec, true); err != nil {
		return domain.PaymentRecord{}, err
	}
	rec.Status = to
	rec.UpdatedAt = now
	rec.Version++
	return rec, nil
}

// Confirm records fault when present and transitions rec to status. Callers
// run it inside a transaction so both writes land together.
func (l *Ledger) Confirm(ctx context.Context, rec domain.PaymentRecord, status domain.PaymentStatus, fault *domain.Fault) (domain.PaymentRecord, error) {
	if fault != nil {
		var err error
		if rec, err = l.RecordFault(ctx, rec, *fault); err != nil {
			return domain.PaymentRecord{}, err
		}
	}
	return l.Transition(ctx, rec, status)
}

// checkAffected explains a guarded update that matched no row.
func (l *Ledger) checkAffected(ctx context.Context, res sql.Result, rec domain.PaymentRecord, queuedOnly bool) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := l.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	if queuedOnly && current.Status != domain.PaymentQueued {
		return fmt.Errorf("%w: %s is %s", ErrNotQueued, rec.ID, current.Status)
	}
	return fmt.Errorf("%w: %s expected version %d, found %d", ErrVersionConflict, rec.ID, rec.Version, current.Version)
}

type encoded struct {
	periods, terminations, lastPerChain, operations string
	faultCode, faultText                            sql.NullString
}

func encodeRecord(rec domain.PaymentRecord) (encoded, error) {
	var (
		out encoded
		err error
	)
	if out.periods, err = encodeJSON(nonNil(rec.Periods)); err != nil {
		return out, err
	}
	if out.terminations, err = encodeJSON(nonNil(rec.Terminations)); err != nil {
		return out, err
	}
	lastPerChain := rec.LastPeriodPerChain
	if lastPerChain == nil {
		lastPerChain = map[domain.ChainKey]domain.Period{}
	}
	if out.lastPerChain, err = encodeJSON(lastPerChain); err != nil {
		return out, err
	}
	if out.operations, err = encodeJSON(nonNil(rec.Operations)); err != nil {
		return out, err
	}
	if rec.Fault != nil {
		out.faultCode = sql.NullString{String: rec.Fault.Code, Valid: true}
		out.faultText = sql.NullString{String: rec.Fault.Text, Valid: true}
	}
	return out, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode ledger column: %w", err)
	}
	return string(b), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecords(rows *sql.Rows) ([]domain.PaymentRecord, error) {
	var out []domain.PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(s scanner) (domain.PaymentRecord, error) {
	var (
		rec                                      domain.PaymentRecord
		system, status                           string
		prevDecision, prevInstruction            sql.NullString
		periods, terminations, lastPerChain, ops string
		faultCode, faultText                     sql.NullString
		resolvedAt, submittedAt                  sql.NullTime
	)
	err := s.Scan(&rec.ID, &system, &rec.Key.CaseID, &rec.Key.DecisionID, &rec.Key.InstructionID, &rec.Revision,
		&status, &rec.Version, &rec.BeneficiaryID, &rec.CaseWorkerID, &rec.ApproverID, &rec.DecidedAt,
		&prevDecision, &prevInstruction, &periods, &terminations, &lastPerChain, &ops,
		&faultCode, &faultText, &resolvedAt, &rec.CreatedAt, &rec.UpdatedAt, &submittedAt)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	rec.Key.System = domain.System(system)
	rec.Status = domain.PaymentStatus(status)
	rec.DecidedAt = rec.DecidedAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if prevDecision.Valid {
		rec.Previous = &domain.PaymentKey{
			System:        rec.Key.System,
			CaseID:        rec.Key.CaseID,
			DecisionID:    prevDecision.String,
			InstructionID: prevInstruction.String,
		}
	}
	if faultCode.Valid || faultText.Valid {
		rec.Fault = &domain.Fault{Code: faultCode.String, Text: faultText.String}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		rec.ResolvedAt = &t
	}
	if submittedAt.Valid {
		t := submittedAt.Time.UTC()
		rec.SubmittedAt = &t
	}
	if err := json.Unmarshal([]byte(periods), &rec.Periods); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("decode periods of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(terminations), &rec.Terminations); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("decode terminations of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(lastPerChain), &rec.LastPeriodPerChain); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("decode last periods of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(ops), &rec.Operations); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("decode operations of %s: %w", rec.ID, err)
	}
	return rec, nil
}
