package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

// TraceReader is the read side of the decision recorder. *audit.Recorder implements it.
type TraceReader interface {
	Query(ctx context.Context, taskID string) (domain.Trace, error)
	QueryRange(ctx context.Context, r domain.TimeRange) ([]domain.Trace, error)
}

type AuditService struct {
	repo TraceReader
}

func NewAuditService(repo TraceReader) *AuditService {
	return &AuditService{repo: repo}
}

// Trace returns the single trace of a task. audit.ErrTraceNotFound passes through.
func (s *AuditService) Trace(ctx context.Context, taskID string) (domain.Trace, error) {
	return s.repo.Query(ctx, taskID)
}

// Traces lists traces recorded in [from, to), oldest first. Zero bounds are open.
func (s *AuditService) Traces(ctx context.Context, from, to time.Time, limit int) ([]domain.Trace, error) {
	traces, err := s.repo.QueryRange(ctx, domain.TimeRange{From: from, To: to, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch traces: %w", err)
	}
	return traces, nil
}
