package notify

import (
	"context"

	"github.com/jo-hoe/mediajobs/internal/jobs"
)

type observedStore struct {
	jobs.Store
	hub *Hub
}

// ObserveStore wraps s so every successful create or update is published on hub.
func ObserveStore(s jobs.Store, hub *Hub) jobs.Store {
	return &observedStore{Store: s, hub: hub}
}

func (o *observedStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	if err := o.Store.CreateJob(ctx, job); err != nil {
		return err
	}
	o.hub.PublishJob(job)
	return nil
}

func (o *observedStore) Update(ctx context.Context, id string, fn func(*jobs.Job) error) (*jobs.Job, error) {
	job, err := o.Store.Update(ctx, id, fn)
	if err != nil {
		return job, err
	}
	o.hub.PublishJob(job)
	return job, nil
}
