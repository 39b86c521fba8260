package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"disburse/internal/domain"
	"disburse/internal/instruction"
	"disburse/internal/ledger"
)

type instructionResp struct {
	ID           string               `json:"id"`
	Key          domain.PaymentKey    `json:"key"`
	Revision     int                  `json:"revision"`
	Status       domain.PaymentStatus `json:"status"`
	Version      int                  `json:"version"`
	Fault        *domain.Fault        `json:"fault,omitempty"`
	Periods      []domain.Period      `json:"periods"`
	Operations   []domain.Operation   `json:"operations"`
	Terminations []domain.Termination `json:"terminations,omitempty"`
	ResolvedAt   *time.Time           `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

func toInstructionResp(rec domain.PaymentRecord) instructionResp {
	return instructionResp{
		ID:           rec.ID,
		Key:          rec.Key,
		Revision:     rec.Revision,
		Status:       rec.Status,
		Version:      rec.Version,
		Fault:        rec.Fault,
		Periods:      nonNil(rec.Periods),
		Operations:   nonNil(rec.Operations),
		Terminations: rec.Terminations,
		ResolvedAt:   rec.ResolvedAt,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func (s *Server) createInstruction(w http.ResponseWriter, r *http.Request) {
	var req instruction.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Msg: "invalid JSON: " + err.Error()})
		return
	}

	rec, err := s.instructions.Create(r.Context(), req)
	var verr *instruction.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, toInstructionResp(rec))
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResp{Msg: verr.Msg, Field: verr.Field})
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, instruction.ErrPreviousUnresolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("case_id", req.CaseID).Str("decision_id", req.DecisionID).Msg("failed to create instruction")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) getInstruction(w http.ResponseWriter, r *http.Request) {
	system, err := domain.ParseSystem(chi.URLParam(r, "system"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Msg: err.Error(), Field: "system"})
		return
	}
	key := domain.PaymentKey{
		System:        system,
		CaseID:        chi.URLParam(r, "case"),
		DecisionID:    chi.URLParam(r, "decision"),
		InstructionID: r.URL.Query().Get("instructionId"),
	}

	rec, err := ledger.New(s.db).Latest(r.Context(), key)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "instruction not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toInstructionResp(rec))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
