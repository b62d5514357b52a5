package pipeline

import "github.com/atlasvet/clinical-ai-gateway/internal/domain"

// mergeSynthesis reconciles a synthesis response against the analysis it was
// derived from. Synthesis may enrich narrative fields but is never allowed to
// erase structured extraction output: a non-empty labPanel.parsed or
// imaging.findings from the analysis survives even when the synthesis response
// dropped or emptied it.
func mergeSynthesis(pre, post *domain.AnalysisResult) *domain.AnalysisResult {
	if post == nil {
		return pre
	}
	merged := *post

	if pre.HasLabData() && !merged.HasLabData() {
		merged.LabPanel = pre.LabPanel
	}
	if pre.HasImagingData() && !merged.HasImagingData() {
		merged.Imaging = pre.Imaging
	}

	if merged.Summary == "" {
		merged.Summary = pre.Summary
	}
	if merged.DocumentType == "" {
		merged.DocumentType = pre.DocumentType
	}
	if !merged.Modality.Valid() {
		merged.Modality = pre.Modality
	}
	if merged.Confidence == 0 && pre.Confidence > 0 {
		merged.Confidence = pre.Confidence
	}
	if len(merged.Differentials) == 0 {
		merged.Differentials = pre.Differentials
	}
	if len(merged.RecommendedTests) == 0 {
		merged.RecommendedTests = pre.RecommendedTests
	}
	return &merged
}
