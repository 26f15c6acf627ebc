package store

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

// ErrInvalidTransition is returned when an invocation status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// InvocationStats holds aggregate execution statistics.
type InvocationStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByCause  map[string]int `json:"count_by_cause"`
	Reused        int            `json:"reused"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	AvgCPUMS      float64        `json:"avg_cpu_ms"`
}

// Store defines the persistence operations for invocations and their guest logs.
type Store interface {
	CreateInvocation(ctx context.Context, inv *model.Invocation) error
	GetInvocation(ctx context.Context, id string) (*model.Invocation, error)
	ListInvocations(ctx context.Context, codeID string, limit, offset int) ([]*model.Invocation, int, error)
	FinishInvocation(ctx context.Context, inv *model.Invocation) error
	GetInvocationStats(ctx context.Context) (*InvocationStats, error)
	InsertLogLine(ctx context.Context, invocationID string, seq int, line string) error
	GetLogLines(ctx context.Context, invocationID string) ([]model.LogLine, error)
	Close() error
}
