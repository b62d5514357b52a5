// Package storage defines the persistence interfaces for finished analysis
// results and service status checks.
package storage

import (
	"context"
	"time"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
)

// AnalysisRecord is a persisted pipeline result. The AI work behind it is
// expensive; losing a write must never force recomputation, so persistence is
// best-effort and the record mirrors what was already returned to the caller.
type AnalysisRecord struct {
	ID            string
	ConsultID     string
	Identifier    string
	Kind          string
	Result        *domain.AnalysisResult
	LowConfidence bool
	CreatedAt     time.Time
}

// StatusCheck is a liveness record created by clinic clients.
type StatusCheck struct {
	ID         string
	ClientName string
	Timestamp  time.Time
}

// ResultStore persists analysis results and status checks.
type ResultStore interface {
	SaveAnalysis(ctx context.Context, rec *AnalysisRecord) error
	GetAnalysis(ctx context.Context, id string) (*AnalysisRecord, error)
	ListAnalysesByConsult(ctx context.Context, consultID string) ([]*AnalysisRecord, error)

	CreateStatusCheck(ctx context.Context, check *StatusCheck) error
	ListStatusChecks(ctx context.Context, limit int) ([]*StatusCheck, error)
}
