package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/internal"
	"go.uber.org/zap"
)

// saveRequest is the body of POST /api/v1/save.
type saveRequest struct {
	Entities       []entityPayload `json:"entities"`
	ThrowIfInvalid *bool           `json:"throwIfInvalid,omitempty"`
}

type entityPayload struct {
	Type           string         `json:"type"`
	State          string         `json:"state"`
	Values         map[string]any `json:"values"`
	OriginalValues map[string]any `json:"originalValues,omitempty"`
}

type saveResponse struct {
	Entities     []*keel.Entity     `json:"entities"`
	KeyMappings  []keel.KeyMapping  `json:"keyMappings"`
	EntityErrors []keel.EntityError `json:"entityErrors"`
}

// handleSave handles POST /api/v1/save
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req saveRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	if len(req.Entities) == 0 {
		writeError(w, http.StatusBadRequest, "entities must not be empty")
		return
	}

	changeSet, err := s.buildChangeSet(req.Entities)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := s.defaults
	if req.ThrowIfInvalid != nil {
		opts.ThrowIfInvalid = *req.ThrowIfInvalid
	}

	result, err := s.manager.Save(r.Context(), changeSet, opts)
	if err != nil {
		s.writeSaveError(w, err)
		return
	}

	resp := saveResponse{
		Entities:     make([]*keel.Entity, 0, len(result.Entities)),
		KeyMappings:  result.KeyMappings,
		EntityErrors: result.EntityErrors,
	}
	for _, e := range result.Entities {
		resp.Entities = append(resp.Entities, keel.NewEntity(e.Type, plainValues(e.Values)))
	}

	status := http.StatusOK
	if len(result.Entities) == 0 && result.HasErrors() {
		status = http.StatusUnprocessableEntity
	}
	writeSuccess(w, status, resp)
}

func (s *Server) buildChangeSet(payloads []entityPayload) (*keel.ChangeSet, error) {
	cs := keel.NewChangeSet()
	for i, p := range payloads {
		entityType, ok := s.registry.EntityType(p.Type)
		if !ok {
			return nil, fmt.Errorf("entities[%d]: unknown entity type %q", i, p.Type)
		}
		state := keel.EntityState(p.State)
		if p.State == "" {
			state = keel.EntityStateAdded
		}
		record := &keel.EntityRecord{
			Entity:         keel.NewEntity(p.Type, coerceValues(entityType.Properties, p.Values)),
			EntityState:    state,
			OriginalValues: coerceValues(entityType.Properties, p.OriginalValues),
		}
		if err := cs.Add(record); err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
	}
	return cs, nil
}

func (s *Server) writeSaveError(w http.ResponseWriter, err error) {
	if ee, ok := keel.AsEntityErrors(err); ok {
		writeSuccess(w, http.StatusUnprocessableEntity, saveResponse{
			Entities:     []*keel.Entity{},
			KeyMappings:  []keel.KeyMapping{},
			EntityErrors: ee,
		})
		return
	}

	var se *keel.SaveError
	switch {
	case keel.IsRelationshipConfigurationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case keel.IsKeyGenerationError(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &se):
		zap.S().Errorw("save failed", "type", se.Type, "code", se.Code, "error", err)
		writeError(w, http.StatusInternalServerError, "save failed")
	default:
		zap.S().Errorw("save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "save failed")
	}
}

type schemaSummary struct {
	Name          string   `json:"name"`
	Table         string   `json:"table"`
	Key           []string `json:"key"`
	KeyGeneration string   `json:"keyGeneration"`
	Version       string   `json:"version,omitempty"`
	Navigations   []string `json:"navigations,omitempty"`
}

// handleSchemas handles GET /api/v1/schemas
func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var out []schemaSummary
	for _, name := range s.registry.ListEntityTypes() {
		et, ok := s.registry.EntityType(name)
		if !ok {
			continue
		}
		summary := schemaSummary{
			Name:          et.Name,
			Table:         et.Table,
			Key:           et.KeyProperties,
			KeyGeneration: string(et.KeyGeneration),
			Version:       et.VersionProperty,
		}
		for _, nav := range et.Navigations {
			summary.Navigations = append(summary.Navigations, nav.Path()+" -> "+nav.Target)
		}
		out = append(out, summary)
	}
	writeSuccess(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := internal.RunHealthChecks(r.Context(), s.checks)
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
