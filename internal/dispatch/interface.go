package dispatch

import (
	"context"

	"github.com/msetz/fanq/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/msetz/fanq/internal/dispatch JobQueue

// JobQueue defines the queue operations the dispatcher needs.
type JobQueue interface {
	Dequeue(ctx context.Context, runID string) (*queue.Job, error)
	Complete(ctx context.Context, jobID string, c queue.Completion) error
	JobsForRun(ctx context.Context, runID string) ([]*queue.Job, error)
	CompleteRun(ctx context.Context, runID string) error
}
