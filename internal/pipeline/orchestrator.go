// Package pipeline sequences the multi-stage AI analysis flow: classify the
// clinical material, run the primary extraction, optionally synthesize against
// case context, and persist the final result.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
	"github.com/atlasvet/clinical-ai-gateway/internal/extract"
	"github.com/atlasvet/clinical-ai-gateway/internal/gateway"
	"github.com/atlasvet/clinical-ai-gateway/internal/storage"
	"github.com/atlasvet/clinical-ai-gateway/internal/tokens"
)

// Gateway is the upstream model client the orchestrator drives.
type Gateway interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	CompleteStream(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

const (
	defaultMinInputChars = 20
	classifyBudget       = 256
	baseAnalyzeBudget    = 2048
	maxAnalyzeBudget     = 8192
	answerBudget         = 512
	dischargeBudget      = 1500
	medicationBudget     = 1500
)

// Orchestrator drives the analysis pipeline against a gateway and result store.
type Orchestrator struct {
	gw      Gateway
	store   storage.ResultStore
	est     *tokens.Estimator
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
	model   string
	minLen  int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides record ID generation. Used in tests.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// WithModel sets the model name used for token budgeting.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

// WithMinInputChars overrides the minimum transcript length.
func WithMinInputChars(n int) Option {
	return func(o *Orchestrator) { o.minLen = n }
}

// New creates a pipeline orchestrator.
func New(gw Gateway, store storage.ResultStore, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gw:     gw,
		store:  store,
		est:    tokens.NewEstimator(),
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
		model:  "gpt-4o-mini",
		minLen: defaultMinInputChars,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Input is one unit of clinical material to analyze.
type Input struct {
	ConsultID  string
	Identifier string
	// Kind tags where the material came from, e.g. "recording" or "document".
	Kind string
	// Text is the transcript or document text.
	Text string
	// Attachments are optional inline image parts (scanned documents,
	// radiographs) analyzed alongside the text.
	Attachments []domain.ContentPart
	// Context, when supplied, triggers the synthesize stage.
	Context *domain.CaseContext
}

func (in *Input) patient() *domain.PatientInfo {
	if in.Context == nil {
		return nil
	}
	return in.Context.Patient
}

// Output is the pipeline result returned to the caller.
type Output struct {
	RecordID      string
	Result        *domain.AnalysisResult
	LowConfidence bool
	Persisted     bool
}

// Run executes Classify, Analyze, Synthesize, and Persist for one input.
// Classify failure degrades to an unknown classification; Synthesize and
// Persist failures are non-fatal. Only Analyze failure aborts the pipeline.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*Output, error) {
	if len(strings.TrimSpace(in.Text)) < o.minLen && len(in.Attachments) == 0 {
		return nil, domain.ErrInsufficientInput(
			fmt.Sprintf("input must be at least %d characters or include an attachment", o.minLen))
	}

	classification := o.classify(ctx, in)

	result, err := o.analyze(ctx, in, classification)
	if err != nil {
		return nil, err
	}

	if !in.Context.Empty() {
		result = o.synthesize(ctx, in, result)
	}

	out := &Output{
		RecordID:      o.newID(),
		Result:        result,
		LowConfidence: classification.LowConfidence(),
	}
	out.Persisted = o.persist(ctx, in, out)
	return out, nil
}

// classify runs the cheap triage call. Any failure degrades to an unknown
// classification with zero confidence; the analyze stage still proceeds with a
// generic prompt.
func (o *Orchestrator) classify(ctx context.Context, in Input) domain.Classification {
	degraded := domain.Classification{Modality: domain.ModalityUnknown}

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: classifySystemPrompt,
		Messages:     []domain.Message{o.userMessage(in)},
		MaxTokens:    classifyBudget,
	})
	if err != nil {
		o.logger.Warn("classification failed, continuing with unknown modality",
			"consult_id", in.ConsultID, "error", err)
		return degraded
	}

	classification, err := extract.DecodeClassification(resp.Content, resp.FinishReason)
	if err != nil {
		o.logger.Warn("classification response unparseable, continuing with unknown modality",
			"consult_id", in.ConsultID, "error", err)
		return degraded
	}
	return classification
}

// analyze runs the primary extraction call. Lab material streams, since dense
// tabular output is the slowest response shape. On extraction failure it
// retries exactly once with a simplified prompt and a larger budget.
func (o *Orchestrator) analyze(ctx context.Context, in Input, cls domain.Classification) (*domain.AnalysisResult, error) {
	msg := o.userMessage(in)
	prompt := analyzeSystemPrompt(cls.Modality, in.patient())
	budget := o.analyzeBudget(prompt, msg)

	req := gateway.Request{
		SystemPrompt: prompt,
		Messages:     []domain.Message{msg},
		MaxTokens:    budget,
	}

	var resp *gateway.Response
	var err error
	if cls.Modality == domain.ModalityLab {
		resp, err = o.gw.CompleteStream(ctx, req)
	} else {
		resp, err = o.gw.Complete(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	result, err := extract.DecodeAnalysis(resp.Content, resp.FinishReason, cls.Modality)
	if err == nil {
		return result, nil
	}

	var failure *extract.Failure
	if !errors.As(err, &failure) {
		return nil, err
	}

	o.logger.Warn("analysis extraction failed, retrying with simplified prompt",
		"consult_id", in.ConsultID, "error", err)

	retryBudget := budget * 2
	if retryBudget > maxAnalyzeBudget {
		retryBudget = maxAnalyzeBudget
	}
	resp, err = o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: degradedAnalyzePrompt(in.patient()),
		Messages:     []domain.Message{msg},
		MaxTokens:    retryBudget,
	})
	if err != nil {
		return nil, err
	}

	result, err = extract.DecodeAnalysis(resp.Content, resp.FinishReason, cls.Modality)
	if err != nil {
		var retryFailure *extract.Failure
		if errors.As(err, &retryFailure) {
			return nil, retryFailure.APIError()
		}
		return nil, err
	}
	return result, nil
}

// synthesize re-sends the structured result with case context so the model can
// align differentials and tests with it. Failures are non-fatal; the
// pre-synthesis result stands.
func (o *Orchestrator) synthesize(ctx context.Context, in Input, pre *domain.AnalysisResult) *domain.AnalysisResult {
	payload, err := json.Marshal(pre)
	if err != nil {
		o.logger.Warn("failed to marshal analysis for synthesis", "consult_id", in.ConsultID, "error", err)
		return pre
	}

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: synthesizeSystemPrompt(in.Context),
		Messages: []domain.Message{
			domain.TextMessage(domain.RoleUser, "Current analysis:\n"+string(payload)),
		},
		MaxTokens: baseAnalyzeBudget,
	})
	if err != nil {
		o.logger.Warn("synthesis failed, returning pre-synthesis result",
			"consult_id", in.ConsultID, "error", err)
		return pre
	}

	post, err := extract.DecodeAnalysis(resp.Content, resp.FinishReason, pre.Modality)
	if err != nil {
		o.logger.Warn("synthesis response unparseable, returning pre-synthesis result",
			"consult_id", in.ConsultID, "error", err)
		return pre
	}
	return mergeSynthesis(pre, post)
}

// persist writes the final record. The AI work is already done and returned to
// the caller, so a failed write is logged and swallowed.
func (o *Orchestrator) persist(ctx context.Context, in Input, out *Output) bool {
	rec := &storage.AnalysisRecord{
		ID:            out.RecordID,
		ConsultID:     in.ConsultID,
		Identifier:    in.Identifier,
		Kind:          in.Kind,
		Result:        out.Result,
		LowConfidence: out.LowConfidence,
		CreatedAt:     o.now().UTC(),
	}
	if err := o.store.SaveAnalysis(ctx, rec); err != nil {
		o.logger.Error("failed to persist analysis result",
			"consult_id", in.ConsultID, "record_id", out.RecordID, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) userMessage(in Input) domain.Message {
	if len(in.Attachments) == 0 {
		return domain.TextMessage(domain.RoleUser, in.Text)
	}
	parts := make([]domain.ContentPart, 0, len(in.Attachments)+1)
	if strings.TrimSpace(in.Text) != "" {
		parts = append(parts, domain.TextPart(in.Text))
	}
	parts = append(parts, in.Attachments...)
	return domain.Message{Role: domain.RoleUser, Parts: parts}
}

// analyzeBudget sizes the output budget from the input size: lab reports and
// long transcripts need room to reproduce their content as structured JSON.
func (o *Orchestrator) analyzeBudget(prompt string, msg domain.Message) int {
	in := o.est.CountMessages(o.model, prompt, []domain.Message{msg})
	budget := baseAnalyzeBudget + in/2
	if budget > maxAnalyzeBudget {
		budget = maxAnalyzeBudget
	}
	return budget
}

// FollowUp is a conversational question about a prior consultation.
type FollowUp struct {
	Question         string
	Transcript       string
	PreviousMessages []domain.Message
	Patient          *domain.PatientInfo
}

// Answer responds to a follow-up question in plain text, windowing the prior
// conversation so long threads stay within budget.
func (o *Orchestrator) Answer(ctx context.Context, fu FollowUp) (string, error) {
	if strings.TrimSpace(fu.Question) == "" {
		return "", domain.ErrInsufficientInput("follow-up question is empty")
	}

	messages := windowHistory(fu.PreviousMessages)
	messages = append(messages, domain.TextMessage(domain.RoleUser, fu.Question))

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: followUpSystemPrompt(transcriptSnippet(fu.Transcript), fu.Patient),
		Messages:     messages,
		MaxTokens:    answerBudget,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// DischargePlan generates owner-facing discharge instructions from a consult
// summary.
func (o *Orchestrator) DischargePlan(ctx context.Context, summary string, patient *domain.PatientInfo) (string, error) {
	if len(strings.TrimSpace(summary)) < o.minLen {
		return "", domain.ErrInsufficientInput(
			fmt.Sprintf("consult summary must be at least %d characters", o.minLen))
	}

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: dischargeSystemPrompt(patient),
		Messages:     []domain.Message{domain.TextMessage(domain.RoleUser, summary)},
		MaxTokens:    dischargeBudget,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// MedicationProfile generates a pharmacology profile for a drug. Callers cache
// the result; this method always hits the gateway.
func (o *Orchestrator) MedicationProfile(ctx context.Context, drugName string) (string, error) {
	if strings.TrimSpace(drugName) == "" {
		return "", domain.ErrInsufficientInput("drug name is empty")
	}

	resp, err := o.gw.Complete(ctx, gateway.Request{
		SystemPrompt: medicationSystemPrompt,
		Messages:     []domain.Message{domain.TextMessage(domain.RoleUser, drugName)},
		MaxTokens:    medicationBudget,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
