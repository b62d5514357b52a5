package extract

import (
	"encoding/json"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
)

// DecodeClassification parses a classify-stage response into the small
// classification tag. Unknown modalities collapse to ModalityUnknown and the
// confidence is clamped into [0, 1].
func DecodeClassification(raw string, finish domain.FinishReason) (domain.Classification, error) {
	cleaned, err := Clean(raw, finish)
	if err != nil {
		return domain.Classification{}, err
	}

	var c domain.Classification
	if err := json.Unmarshal(cleaned, &c); err != nil {
		return domain.Classification{}, newFailure("parse", raw, finish)
	}

	if !c.Modality.Valid() || c.Modality == "" {
		c.Modality = domain.ModalityUnknown
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return c, nil
}

// DecodeAnalysis parses an analyze- or synthesize-stage response into the
// tagged AnalysisResult variant. The modality tag is validated here, at the
// extraction boundary, so downstream code can switch on it instead of probing
// optional fields. When the response omits the tag the caller's expected
// modality is applied.
func DecodeAnalysis(raw string, finish domain.FinishReason, expected domain.Modality) (*domain.AnalysisResult, error) {
	cleaned, err := Clean(raw, finish)
	if err != nil {
		return nil, err
	}

	var r domain.AnalysisResult
	if err := json.Unmarshal(cleaned, &r); err != nil {
		return nil, newFailure("parse", raw, finish)
	}

	if r.Modality == "" || !r.Modality.Valid() {
		r.Modality = expected
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}

	// Drop variant sections that repair closed into empty shells so the
	// defensive merge upstream sees them as absent rather than populated.
	if r.LabPanel != nil && len(r.LabPanel.Parsed) == 0 && r.LabPanel.PanelName == "" && r.LabPanel.Notes == "" {
		r.LabPanel = nil
	}
	if r.Imaging != nil && len(r.Imaging.Findings) == 0 && r.Imaging.Study == "" && r.Imaging.Impression == "" {
		r.Imaging = nil
	}

	return &r, nil
}
