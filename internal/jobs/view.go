package jobs

import "time"

// View is the external JSON shape of a job, used by the HTTP API and the
// live event feed.
type View struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	VideoID     string     `json:"videoId"`
	Language    string     `json:"language"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Attempt     int        `json:"attempt"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"errorKind,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// View snapshots the job. Error fields appear only when failed and the result
// only when completed.
func (j *Job) View() View {
	v := View{
		ID:          j.ID,
		Kind:        j.Kind,
		VideoID:     j.VideoID,
		Language:    j.Language,
		Status:      j.Status,
		Progress:    j.Progress,
		Attempt:     j.Attempt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	switch j.Status {
	case StatusFailed:
		v.Error = j.Error
		v.ErrorKind = j.ErrorKind
	case StatusCompleted:
		v.Result = j.Result
	}
	return v
}
