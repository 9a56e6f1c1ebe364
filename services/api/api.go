// Package api exposes the pipeline over HTTP: uploads, record and lifecycle
// queries, promotion, abort, operator override, and health-report ingest.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"modeld/pkg/blob"
	"modeld/pkg/bus"
	"modeld/pkg/events"
	"modeld/pkg/metrics"
	"modeld/services/canary"
	"modeld/services/gate"
	"modeld/services/registry"
	"modeld/services/signals"
	"modeld/services/validator"
)

const defaultMaxUploadBytes = 2 << 30

// API wires dependencies and configuration for the HTTP handlers.
type API struct {
	reg      *registry.Registry
	store    blob.Store
	val      *validator.Validator
	canaries *canary.Controller
	gateway  *gate.Gate
	health   *signals.Store
	bus      *bus.Bus

	maxUploadBytes int64
}

// New initialises the API layer.
func New(reg *registry.Registry, store blob.Store, val *validator.Validator, canaries *canary.Controller, gateway *gate.Gate, health *signals.Store, b *bus.Bus, maxUploadBytes int64) (*API, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if val == nil {
		return nil, errors.New("validator is required")
	}
	if canaries == nil {
		return nil, errors.New("canary controller is required")
	}
	if gateway == nil {
		return nil, errors.New("gate is required")
	}
	if health == nil {
		return nil, errors.New("signals store is required")
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	return &API{
		reg:            reg,
		store:          store,
		val:            val,
		canaries:       canaries,
		gateway:        gateway,
		health:         health,
		bus:            b,
		maxUploadBytes: maxUploadBytes,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/models", a.handleUpload)
		r.Get("/models/active", a.handleActive)
		r.Get("/models/{id}", a.handleGet)
		r.Get("/models/{id}/transitions", a.handleTransitions)
		r.Get("/models/{id}/validations", a.handleValidations)
		r.Get("/models/{id}/canary", a.handleCanary)
		r.Post("/models/{id}/promote", a.handlePromote)
		r.Post("/models/{id}/abort", a.handleAbort)
		r.Post("/models/{id}/override", a.handleOverride)
		r.Post("/canary/health", a.handleHealthReport)
	})

	return r, nil
}

type uploadMetadata struct {
	TenantID   string            `json:"tenant_id"`
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Framework  string            `json:"framework"`
	Type       string            `json:"type"`
	Tags       map[string]any    `json:"tags"`
	Provenance map[string]string `json:"provenance"`
}

// handleUpload accepts multipart artifact bytes plus JSON metadata (form
// field "metadata", or the X-Model-Metadata header). The blob write happens
// before the record insert: a store failure leaves no partial record behind.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}

	rawMeta := r.FormValue("metadata")
	if rawMeta == "" {
		rawMeta = r.Header.Get("X-Model-Metadata")
	}
	if rawMeta == "" {
		respondError(w, http.StatusBadRequest, errors.New("metadata is required"))
		return
	}

	var meta uploadMetadata
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse metadata: %w", err))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("file part is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("read file part: %w", err))
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("file part is empty"))
		return
	}

	digest, err := a.store.Put(r.Context(), data)
	if err != nil {
		if errors.Is(err, blob.ErrUnavailable) {
			respondError(w, http.StatusServiceUnavailable, errors.New("artifact store unavailable"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	tags := meta.Tags
	if len(meta.Provenance) > 0 {
		if tags == nil {
			tags = map[string]any{}
		}
		prov := map[string]any{}
		for k, v := range meta.Provenance {
			prov[k] = v
		}
		tags["provenance"] = prov
	}

	rec, err := a.reg.Create(r.Context(), registry.Draft{
		TenantID:  meta.TenantID,
		Name:      meta.Name,
		Version:   meta.Version,
		Framework: meta.Framework,
		Type:      meta.Type,
		Tags:      tags,
		Digest:    digest,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	metrics.UploadsTotal.Inc()
	a.publish(r, events.SubjectModelUploaded, events.ModelUploaded{
		ArtifactID: rec.ID,
		TenantID:   rec.TenantID,
		Name:       rec.Name,
		Version:    rec.Version,
		Digest:     rec.Digest,
		At:         time.Now().UTC(),
	})

	respondJSON(w, http.StatusAccepted, map[string]any{"artifact": rec})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactID(w, r)
	if !ok {
		return
	}

	rec, err := a.reg.Get(r.Context(), id)
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"artifact": rec})
}

func (a *API) handleActive(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if tenant == "" || name == "" {
		respondError(w, http.StatusBadRequest, errors.New("tenant and name query parameters are required"))
		return
	}

	rec, err := a.reg.FindActive(r.Context(), tenant, name)
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"artifact": rec})
}

func (a *API) handleTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactID(w, r)
	if !ok {
		return
	}

	if _, err := a.reg.Get(r.Context(), id); err != nil {
		respondRegistryError(w, err)
		return
	}
	transitions, err := a.reg.Transitions(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

func (a *API) handleValidations(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactID(w, r)
	if !ok {
		return
	}

	if _, err := a.reg.Get(r.Context(), id); err != nil {
		respondRegistryError(w, err)
		return
	}
	results, err := a.val.Results(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) handleCanary(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactID(w, r)
	if !ok {
		return
	}

	dep, err := a.canaries.ByArtifact(r.Context(), id)
	if err != nil {
		if errors.Is(err, canary.ErrNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("no canary deployment for artifact %s", id))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployment": dep})
}

func (a *API) handlePromote(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason           string `json:"reason"`
		Override         bool   `json:"override"`
		OverrideApprover string `json:"override_approver"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := a.gateway.Promote(r.Context(), gate.Request{
		ArtifactID:       id,
		Approver:         r.Header.Get("X-Approver"),
		Reason:           req.Reason,
		Override:         req.Override,
		OverrideApprover: req.OverrideApprover,
	})
	if err != nil {
		var denied *gate.PolicyDeniedError
		if errors.As(err, &denied) {
			respondJSON(w, http.StatusForbidden, map[string]any{
				"error": denied.Error(),
				"rule":  denied.Rule,
			})
			return
		}
		respondRegistryError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"artifact": rec})
}

func (a *API) handleAbort(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactID(w, r)
	if !ok {
		return
	}

	actor := strings.TrimSpace(r.Header.Get("X-Approver"))
	if actor == "" {
		respondError(w, http.StatusBadRequest, errors.New("X-Approver header is required"))
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.canaries.Abort(r.Context(), id, actor, req.Reason); err != nil {
		if errors.Is(err, canary.ErrNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("no canary deployment for artifact %s", id))
			return
		}
		respondRegistryError(w, err)
		return
	}

	rec, err := a.reg.Get(r.Context(), id)
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"artifact": rec})
}

func (a *API) handleOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactID(w, r)
	if !ok {
		return
	}

	operator := strings.TrimSpace(r.Header.Get("X-Approver"))
	if operator == "" {
		respondError(w, http.StatusBadRequest, errors.New("X-Approver header is required"))
		return
	}

	var req struct {
		To     string `json:"to"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		respondError(w, http.StatusBadRequest, errors.New("reason is required"))
		return
	}

	rec, err := a.reg.Override(r.Context(), id, registry.State(req.To), operator, req.Reason)
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"artifact": rec})
}

// handleHealthReport lets serving nodes push health directly over HTTP; the
// bus subject remains the other ingest path.
func (a *API) handleHealthReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeploymentID uuid.UUID `json:"deployment_id"`
		Requests     int64     `json:"requests"`
		Errors       int64     `json:"errors"`
		LatenciesMS  []float64 `json:"latencies_ms"`
		At           time.Time `json:"at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	err := a.health.Ingest(r.Context(), signals.Report{
		DeploymentID: req.DeploymentID,
		Requests:     req.Requests,
		Errors:       req.Errors,
		LatenciesMS:  req.LatenciesMS,
		At:           req.At,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (a *API) publish(r *http.Request, subject string, payload any) {
	if a.bus == nil {
		return
	}
	if err := a.bus.Publish(r.Context(), subject, payload); err != nil {
		// The upload is already durable in the registry; the pipeline worker's
		// sweep re-emits events for records stranded in uploaded, so a lost
		// publish delays validation rather than losing the artifact.
		metrics.PublishFailuresTotal.WithLabelValues(subject).Inc()
	}
}

func artifactID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid artifact id is required"))
		return uuid.Nil, false
	}
	return id, true
}

func respondRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, registry.ErrConflict):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, registry.ErrInvalidTransition):
		respondError(w, http.StatusUnprocessableEntity, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
