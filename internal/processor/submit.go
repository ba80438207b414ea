package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jo-hoe/mediajobs/internal/failure"
	"github.com/jo-hoe/mediajobs/internal/jobs"
	"github.com/jo-hoe/mediajobs/internal/queue"
	"github.com/jo-hoe/mediajobs/internal/util"
)

// Enqueuer accepts tasks for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, nt queue.NewTask) (*queue.Task, error)
}

type taskPayload struct {
	VideoID  string `json:"videoId"`
	Language string `json:"language"`
}

// Submit records job as pending and hands it to the queue. It returns once
// both writes are durable; it never waits for the work itself. If the queue
// rejects the task the job is failed so it does not stay pending forever.
func Submit(ctx context.Context, store jobs.Store, q Enqueuer, job *jobs.Job) error {
	if job.ID == "" {
		job.ID = util.NewID()
	}
	job.Status = jobs.StatusPending
	if err := store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	payload, err := json.Marshal(taskPayload{VideoID: job.VideoID, Language: job.Language})
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}
	if _, err := q.Enqueue(ctx, queue.NewTask{JobID: job.ID, Kind: string(job.Kind), Payload: payload}); err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, _ = jobs.SaveError(fctx, store, job.ID, string(failure.KindStorage), msg)
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}
