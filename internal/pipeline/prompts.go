package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
)

// Responses are rendered in clinic tablets with no markdown support, so every
// prompt carries the same plain-text formatting rules.
const plainTextRules = `Use plain text only. Do not use markdown formatting of any kind: no asterisks, no pound signs, no backticks, no numbered headers. Separate sections with blank lines and write list items on their own lines prefixed with a hyphen.`

const classifySystemPrompt = `You are a veterinary document triage assistant. Classify the supplied clinical material and respond with a single JSON object and nothing else:
{"documentType": "<short label such as lab_report, radiology_report, soap_note, referral_letter, medical_history>", "modality": "<one of: lab, imaging, text, medical_history>", "confidence": <0.0 to 1.0>}`

const analyzeJSONSchema = `{"documentType": "<label>", "modality": "<lab|imaging|text|medical_history>", "confidence": <0.0-1.0>, "summary": "<clinical summary>", "labPanel": {"panelName": "<name>", "parsed": [{"name": "<analyte>", "value": "<value>", "unit": "<unit>", "referenceRange": "<range>", "flag": "<H|L|N or empty>"}], "notes": "<notes>"}, "imaging": {"study": "<study type>", "findings": ["<finding>"], "impression": "<impression>"}, "differentials": [{"diagnosis": "<dx>", "rationale": "<why>", "rank": <1-based>}], "recommendedTests": ["<test>"]}`

const degradedJSONSchema = `{"documentType": "<label>", "modality": "<lab|imaging|text|medical_history>", "summary": "<clinical summary>", "differentials": [{"diagnosis": "<dx>", "rationale": "<why>", "rank": <1-based>}], "recommendedTests": ["<test>"]}`

func analyzeSystemPrompt(modality domain.Modality, patient *domain.PatientInfo) string {
	var b strings.Builder
	b.WriteString("You are an experienced veterinary clinician analyzing clinical material for a colleague.\n\n")

	switch modality {
	case domain.ModalityLab:
		b.WriteString("The material is laboratory data. Transcribe every analyte you can read into the labPanel.parsed array exactly as printed, including units, reference ranges, and abnormal flags. Do not invent values you cannot read.\n")
	case domain.ModalityImaging:
		b.WriteString("The material is a diagnostic imaging study or report. List each distinct finding separately in imaging.findings and give an overall impression.\n")
	case domain.ModalityMedicalHistory:
		b.WriteString("The material is a patient medical history. Summarize the clinically relevant course and flag anything that changes today's differential list.\n")
	default:
		b.WriteString("Analyze the material, summarize the clinically relevant content, and propose ranked differentials where the material supports them.\n")
	}

	b.WriteString("\nRespond with a single JSON object matching this shape and nothing else. Omit sections that do not apply:\n")
	b.WriteString(analyzeJSONSchema)
	writePatientContext(&b, patient)
	return b.String()
}

func degradedAnalyzePrompt(patient *domain.PatientInfo) string {
	var b strings.Builder
	b.WriteString("You are a veterinary clinician. Summarize the supplied clinical material briefly.\n")
	b.WriteString("Respond with a single JSON object matching this shape and nothing else. Keep every string short:\n")
	b.WriteString(degradedJSONSchema)
	writePatientContext(&b, patient)
	return b.String()
}

func synthesizeSystemPrompt(caseCtx *domain.CaseContext) string {
	var b strings.Builder
	b.WriteString("You are a veterinary clinician. Below is a structured analysis already produced for this patient, followed by case context. Revise the analysis so the differentials and recommended tests account for the context. Keep every labPanel and imaging value exactly as given; you may only add to them, never remove entries.\n")
	b.WriteString("Respond with a single JSON object in the same shape as the analysis and nothing else.\n")
	writePatientContext(&b, caseCtx.Patient)
	if caseCtx.PresentingComplaint != "" {
		fmt.Fprintf(&b, "\nPresenting complaint: %s\n", caseCtx.PresentingComplaint)
	}
	if caseCtx.History != "" {
		fmt.Fprintf(&b, "History: %s\n", caseCtx.History)
	}
	return b.String()
}

func followUpSystemPrompt(transcriptSnippet string, patient *domain.PatientInfo) string {
	var b strings.Builder
	b.WriteString("You are a veterinary assistant answering a follow-up question about a consultation. Answer concisely and conversationally in no more than a few sentences. ")
	b.WriteString(plainTextRules)
	if transcriptSnippet != "" {
		fmt.Fprintf(&b, "\n\nConsultation context:\n%s", transcriptSnippet)
	}
	writePatientContext(&b, patient)
	return b.String()
}

func dischargeSystemPrompt(patient *domain.PatientInfo) string {
	var b strings.Builder
	b.WriteString("You are a veterinarian writing discharge instructions for a pet owner. Write in warm, plain language a layperson can follow: what was found, medications with dosing schedules, home care, warning signs that warrant a call, and the recheck plan. ")
	b.WriteString(plainTextRules)
	writePatientContext(&b, patient)
	return b.String()
}

const medicationSystemPrompt = `You are a veterinary pharmacology reference. For the requested drug, produce a profile covering: drug class and mechanism, common veterinary indications, typical dosing by species, contraindications, notable drug interactions, and adverse effects owners should watch for. ` + plainTextRules

// writePatientContext appends a signalment block. Missing fields read "N/A"
// rather than being omitted so the model does not guess at them.
func writePatientContext(b *strings.Builder, patient *domain.PatientInfo) {
	if patient == nil {
		return
	}
	b.WriteString("\n\nPatient information:\n")
	fmt.Fprintf(b, "- Name: %s\n", orNA(patient.Name))
	fmt.Fprintf(b, "- Species: %s\n", orNA(patient.Species))
	fmt.Fprintf(b, "- Breed: %s\n", orNA(patient.Breed))
	fmt.Fprintf(b, "- Age: %s\n", orNA(patient.Age))
	fmt.Fprintf(b, "- Sex: %s\n", orNA(patient.Sex))
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

const (
	historyWindow     = 4
	historyCharLimit  = 200
	snippetCharLimit  = 500
)

// windowHistory keeps the most recent messages, each truncated, so long
// follow-up threads do not crowd the question out of the prompt.
func windowHistory(messages []domain.Message) []domain.Message {
	start := 0
	if len(messages) > historyWindow {
		start = len(messages) - historyWindow
	}
	out := make([]domain.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		text := truncate(msg.PlainText(), historyCharLimit)
		out = append(out, domain.TextMessage(msg.Role, text))
	}
	return out
}

func transcriptSnippet(transcript string) string {
	return truncate(strings.TrimSpace(transcript), snippetCharLimit)
}

// truncate cuts s to at most limit bytes, backing up to a rune boundary so a
// multibyte character is never split.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
