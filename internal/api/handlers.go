package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/edforge/edforge/internal/orchestrator"
	"github.com/edforge/edforge/internal/validator"
	"github.com/edforge/edforge/pkg/models"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) *models.Principal {
	if p, ok := ctx.Value(principalKey{}).(*models.Principal); ok {
		return p
	}
	return nil
}

// handleGenerations handles the generations collection.
// POST /api/v1/generations submits a request, GET lists executions.
func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req models.GenerationRequest
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		if p := principalFrom(r.Context()); p != nil {
			req.Principal = *p
			if req.LearnerID != "" && !s.auth.CanRequestFor(p, req.LearnerID) {
				s.respondError(w, http.StatusForbidden, "not allowed to request content for this learner")
				return
			}
		}

		exec, err := s.orchestrator.Submit(r.Context(), &req)
		if err != nil {
			s.respondError(w, statusFor(err), err.Error())
			return
		}
		s.respondJSON(w, http.StatusAccepted, exec)

	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, s.orchestrator.List())

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleGeneration handles a single execution.
// GET /api/v1/generations/{id} returns status, DELETE cancels.
func (s *Server) handleGeneration(w http.ResponseWriter, r *http.Request) {
	id := s.extractID(r.URL.Path, "/api/v1/generations/")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Execution ID required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		exec, err := s.orchestrator.Status(id)
		if err != nil {
			s.respondError(w, http.StatusNotFound, "Execution not found")
			return
		}
		s.respondJSON(w, http.StatusOK, exec)

	case http.MethodDelete:
		if err := s.orchestrator.Cancel(id); err != nil {
			s.respondError(w, statusFor(err), err.Error())
			return
		}
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

type validateRequest struct {
	Fragments   map[models.Modality]*models.Fragment `json:"fragments"`
	Intent      *models.ContentIntent                `json:"intent"`
	Constraints models.Constraints                   `json:"constraints"`
}

// handleValidate runs the quality validator on caller-supplied content
// without entering the pipeline. POST /api/v1/validate
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req validateRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Fragments) == 0 {
		s.respondError(w, http.StatusBadRequest, "fragments are required")
		return
	}
	if req.Intent == nil {
		req.Intent = &models.ContentIntent{}
	}

	report, err := s.validator.Validate(r.Context(), &validator.Candidate{
		Fragments: req.Fragments,
		Intent:    req.Intent,
	}, req.Constraints)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrCapacityExhausted):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
