package domain

// Modality identifies the kind of clinical document an analysis produced.
// Downstream code switches on the modality tag rather than probing optional
// fields.
type Modality string

const (
	ModalityLab            Modality = "lab"
	ModalityImaging        Modality = "imaging"
	ModalityText           Modality = "text"
	ModalityMedicalHistory Modality = "medical_history"
	ModalityUnknown        Modality = "unknown"
)

// Valid reports whether m is one of the recognized modalities.
func (m Modality) Valid() bool {
	switch m {
	case ModalityLab, ModalityImaging, ModalityText, ModalityMedicalHistory, ModalityUnknown:
		return true
	}
	return false
}

// FinishReason is the model-reported cause of response termination.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonMaxTokens FinishReason = "max_tokens"
	FinishReasonUnknown   FinishReason = "unknown"
)

// Truncated reports whether the finish reason signals a token-budget cutoff.
// Truncation is a first-class signal, not an error: it tells the extractor
// that repair is expected.
func (f FinishReason) Truncated() bool {
	return f == FinishReasonLength || f == FinishReasonMaxTokens
}

// NormalizeFinishReason maps a wire finish_reason string onto the enum.
func NormalizeFinishReason(s string) FinishReason {
	switch s {
	case "stop", "end_turn":
		return FinishReasonStop
	case "length":
		return FinishReasonLength
	case "max_tokens":
		return FinishReasonMaxTokens
	default:
		return FinishReasonUnknown
	}
}

// Classification is the small tag produced by the classify stage.
type Classification struct {
	DocumentType string   `json:"documentType"`
	Modality     Modality `json:"modality"`
	Confidence   float64  `json:"confidence"`
}

// LowConfidence reports whether the classification should be flagged to the
// caller. Low confidence is not an error.
func (c Classification) LowConfidence() bool {
	return c.Confidence < 0.5
}

// Analyte is one parsed row of a lab panel.
type Analyte struct {
	Name           string `json:"name"`
	Value          string `json:"value"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"referenceRange,omitempty"`
	Flag           string `json:"flag,omitempty"`
}

// LabPanel holds structured lab extraction output.
type LabPanel struct {
	PanelName string    `json:"panelName,omitempty"`
	Parsed    []Analyte `json:"parsed"`
	Notes     string    `json:"notes,omitempty"`
}

// Imaging holds structured imaging extraction output.
type Imaging struct {
	Study      string   `json:"study,omitempty"`
	Findings   []string `json:"findings"`
	Impression string   `json:"impression,omitempty"`
}

// Differential is a ranked differential diagnosis.
type Differential struct {
	Diagnosis string `json:"diagnosis"`
	Rationale string `json:"rationale,omitempty"`
	Rank      int    `json:"rank,omitempty"`
}

// AnalysisResult is the tagged document produced by the analyze stage and
// refined by synthesis. The variant sections are populated according to
// Modality; once LabPanel.Parsed or Imaging.Findings is non-empty, later
// pipeline stages may replace it only with a non-empty equivalent.
type AnalysisResult struct {
	DocumentType     string         `json:"documentType,omitempty"`
	Modality         Modality       `json:"modality"`
	Confidence       float64        `json:"confidence"`
	Summary          string         `json:"summary,omitempty"`
	LabPanel         *LabPanel      `json:"labPanel,omitempty"`
	Imaging          *Imaging       `json:"imaging,omitempty"`
	Differentials    []Differential `json:"differentials,omitempty"`
	RecommendedTests []string       `json:"recommendedTests,omitempty"`
}

// HasLabData reports whether the result carries populated lab extraction.
func (r *AnalysisResult) HasLabData() bool {
	return r.LabPanel != nil && len(r.LabPanel.Parsed) > 0
}

// HasImagingData reports whether the result carries populated imaging findings.
func (r *AnalysisResult) HasImagingData() bool {
	return r.Imaging != nil && len(r.Imaging.Findings) > 0
}

// PatientInfo is the signalment context supplied with a consult.
type PatientInfo struct {
	PatientID string `json:"patientId,omitempty"`
	Name      string `json:"name,omitempty"`
	Species   string `json:"species,omitempty"`
	Breed     string `json:"breed,omitempty"`
	Age       string `json:"age,omitempty"`
	Sex       string `json:"sex,omitempty"`
}

// CaseContext carries the consult context the synthesize stage aligns
// differentials and tests against.
type CaseContext struct {
	Patient             *PatientInfo `json:"patient,omitempty"`
	PresentingComplaint string       `json:"presentingComplaint,omitempty"`
	History             string       `json:"history,omitempty"`
}

// Empty reports whether there is no context worth synthesizing against.
func (c *CaseContext) Empty() bool {
	return c == nil || (c.Patient == nil && c.PresentingComplaint == "" && c.History == "")
}
