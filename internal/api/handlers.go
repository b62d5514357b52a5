// Package api provides the inbound HTTP handlers for the clinic endpoints.
package api

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atlasvet/clinical-ai-gateway/internal/cache"
	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
	"github.com/atlasvet/clinical-ai-gateway/internal/pipeline"
	"github.com/atlasvet/clinical-ai-gateway/internal/ratelimit"
	"github.com/atlasvet/clinical-ai-gateway/internal/server"
	"github.com/atlasvet/clinical-ai-gateway/internal/storage"
)

// Rate-limit actions, one bucket per expensive operation class.
const (
	ActionAnalyze    = "analyze"
	ActionDischarge  = "discharge_plan"
	ActionMedication = "medication_profile"
)

// Handler serves the clinic-facing API.
type Handler struct {
	orchestrator *pipeline.Orchestrator
	medCache     *cache.MedicationCache
	store        storage.ResultStore
	limiter      *ratelimit.Limiter
	logger       *slog.Logger
	now          func() time.Time
}

// New creates the API handler. medCache may be nil when Redis is not
// configured; medication profiles then always hit the gateway.
func New(orchestrator *pipeline.Orchestrator, medCache *cache.MedicationCache, store storage.ResultStore, limiter *ratelimit.Limiter, logger *slog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		medCache:     medCache,
		store:        store,
		limiter:      limiter,
		logger:       logger,
		now:          time.Now,
	}
}

// RegisterRoutes mounts the API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.With(server.RateLimitMiddleware(h.limiter, ActionAnalyze)).
			Post("/analyze-recording", h.AnalyzeRecording)
		r.With(server.RateLimitMiddleware(h.limiter, ActionAnalyze)).
			Post("/analyze-document", h.AnalyzeDocument)
		r.With(server.RateLimitMiddleware(h.limiter, ActionDischarge)).
			Post("/discharge-plan", h.DischargePlan)
		r.With(server.RateLimitMiddleware(h.limiter, ActionMedication)).
			Post("/medication-profile", h.MedicationProfile)
		r.Get("/status", h.ListStatusChecks)
		r.Post("/status", h.CreateStatusCheck)
	})
}

type previousMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type analyzeRecordingRequest struct {
	Transcription       string              `json:"transcription"`
	PatientInfo         *domain.PatientInfo `json:"patientInfo,omitempty"`
	ConsultID           string              `json:"consultId,omitempty"`
	PresentingComplaint string              `json:"presentingComplaint,omitempty"`
	History             string              `json:"history,omitempty"`
	FollowUpQuestion    string              `json:"followUpQuestion,omitempty"`
	PreviousMessages    []previousMessage   `json:"previousMessages,omitempty"`
}

type analysisResponse struct {
	Analysis      *domain.AnalysisResult `json:"analysis"`
	RecordID      string                 `json:"recordId,omitempty"`
	LowConfidence bool                   `json:"lowConfidence"`
}

// AnalyzeRecording runs the analysis pipeline on a consult transcription. When
// followUpQuestion is set it instead answers conversationally against the
// prior thread.
func (h *Handler) AnalyzeRecording(w http.ResponseWriter, r *http.Request) {
	var req analyzeRecordingRequest
	if err := decodeBody(r, &req); err != nil {
		server.WriteError(w, err)
		return
	}

	if req.FollowUpQuestion != "" {
		answer, err := h.orchestrator.Answer(r.Context(), pipeline.FollowUp{
			Question:         req.FollowUpQuestion,
			Transcript:       req.Transcription,
			PreviousMessages: toMessages(req.PreviousMessages),
			Patient:          req.PatientInfo,
		})
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
		return
	}

	out, err := h.orchestrator.Run(r.Context(), pipeline.Input{
		ConsultID:  req.ConsultID,
		Identifier: server.GetClinicID(r.Context()),
		Kind:       "recording",
		Text:       req.Transcription,
		Context:    caseContext(req.PatientInfo, req.PresentingComplaint, req.History),
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, analysisResponse{
		Analysis:      out.Result,
		RecordID:      out.RecordID,
		LowConfidence: out.LowConfidence,
	})
}

type analyzeDocumentRequest struct {
	Text        string              `json:"text,omitempty"`
	Document    string              `json:"document"` // base64-encoded image
	MediaType   string              `json:"mediaType,omitempty"`
	PatientInfo *domain.PatientInfo `json:"patientInfo,omitempty"`
	ConsultID   string              `json:"consultId,omitempty"`
}

// AnalyzeDocument runs the pipeline on an uploaded document image, with
// optional accompanying text.
func (h *Handler) AnalyzeDocument(w http.ResponseWriter, r *http.Request) {
	var req analyzeDocumentRequest
	if err := decodeBody(r, &req); err != nil {
		server.WriteError(w, err)
		return
	}

	var attachments []domain.ContentPart
	if req.Document != "" {
		data, err := base64.StdEncoding.DecodeString(req.Document)
		if err != nil {
			server.WriteError(w, domain.ErrInsufficientInput("document is not valid base64"))
			return
		}
		attachments = append(attachments, domain.ImagePart(data, req.MediaType))
	}

	out, err := h.orchestrator.Run(r.Context(), pipeline.Input{
		ConsultID:   req.ConsultID,
		Identifier:  server.GetClinicID(r.Context()),
		Kind:        "document",
		Text:        req.Text,
		Attachments: attachments,
		Context:     caseContext(req.PatientInfo, "", ""),
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, analysisResponse{
		Analysis:      out.Result,
		RecordID:      out.RecordID,
		LowConfidence: out.LowConfidence,
	})
}

type dischargePlanRequest struct {
	Summary     string              `json:"summary"`
	PatientInfo *domain.PatientInfo `json:"patientInfo,omitempty"`
}

// DischargePlan generates owner-facing discharge instructions.
func (h *Handler) DischargePlan(w http.ResponseWriter, r *http.Request) {
	var req dischargePlanRequest
	if err := decodeBody(r, &req); err != nil {
		server.WriteError(w, err)
		return
	}

	plan, err := h.orchestrator.DischargePlan(r.Context(), req.Summary, req.PatientInfo)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dischargePlan": plan})
}

type medicationProfileRequest struct {
	DrugName string `json:"drugName"`
}

type medicationProfileResponse struct {
	Profile string `json:"profile"`
	Cached  bool   `json:"cached"`
}

// MedicationProfile returns a pharmacology profile, served from cache when a
// fresh entry exists.
func (h *Handler) MedicationProfile(w http.ResponseWriter, r *http.Request) {
	var req medicationProfileRequest
	if err := decodeBody(r, &req); err != nil {
		server.WriteError(w, err)
		return
	}
	if strings.TrimSpace(req.DrugName) == "" {
		server.WriteError(w, domain.ErrInsufficientInput("drugName is required"))
		return
	}

	if h.medCache != nil {
		hit, err := h.medCache.Get(r.Context(), req.DrugName)
		if err != nil {
			// Cache trouble never blocks the lookup.
			server.AddError(r.Context(), err)
		}
		if hit != nil {
			writeJSON(w, http.StatusOK, medicationProfileResponse{Profile: hit.Content, Cached: true})
			return
		}
	}

	profile, err := h.orchestrator.MedicationProfile(r.Context(), req.DrugName)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	if h.medCache != nil {
		if err := h.medCache.Put(r.Context(), &cache.Profile{
			DrugName:    req.DrugName,
			Content:     profile,
			GeneratedAt: h.now(),
		}); err != nil {
			server.AddError(r.Context(), err)
		}
	}
	writeJSON(w, http.StatusOK, medicationProfileResponse{Profile: profile, Cached: false})
}

type statusCheckRequest struct {
	ClientName string `json:"clientName"`
}

type statusCheckResponse struct {
	ID         string    `json:"id"`
	ClientName string    `json:"clientName"`
	Timestamp  time.Time `json:"timestamp"`
}

// CreateStatusCheck records a client liveness check.
func (h *Handler) CreateStatusCheck(w http.ResponseWriter, r *http.Request) {
	var req statusCheckRequest
	if err := decodeBody(r, &req); err != nil {
		server.WriteError(w, err)
		return
	}
	if strings.TrimSpace(req.ClientName) == "" {
		server.WriteError(w, domain.ErrInsufficientInput("clientName is required"))
		return
	}

	check := &storage.StatusCheck{
		ID:         uuid.NewString(),
		ClientName: req.ClientName,
		Timestamp:  h.now().UTC(),
	}
	if err := h.store.CreateStatusCheck(r.Context(), check); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusCheckResponse{
		ID:         check.ID,
		ClientName: check.ClientName,
		Timestamp:  check.Timestamp,
	})
}

// ListStatusChecks returns recent status checks, newest first.
func (h *Handler) ListStatusChecks(w http.ResponseWriter, r *http.Request) {
	checks, err := h.store.ListStatusChecks(r.Context(), 100)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	out := make([]statusCheckResponse, 0, len(checks))
	for _, check := range checks {
		out = append(out, statusCheckResponse{
			ID:         check.ID,
			ClientName: check.ClientName,
			Timestamp:  check.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// writeFailure logs the full error server-side and answers with the typed
// envelope; non-domain errors surface as a generic internal error.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	if _, ok := domain.AsAPIError(err); !ok {
		h.logger.Error("request failed",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	server.WriteError(w, err)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewAPIError(domain.ErrorTypeInvalidRequest, "request body is not valid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func toMessages(prev []previousMessage) []domain.Message {
	out := make([]domain.Message, 0, len(prev))
	for _, m := range prev {
		role := domain.Role(m.Role)
		if role != domain.RoleAssistant {
			role = domain.RoleUser
		}
		out = append(out, domain.TextMessage(role, m.Content))
	}
	return out
}

func caseContext(patient *domain.PatientInfo, complaint, history string) *domain.CaseContext {
	if patient == nil && complaint == "" && history == "" {
		return nil
	}
	return &domain.CaseContext{
		Patient:             patient,
		PresentingComplaint: complaint,
		History:             history,
	}
}
