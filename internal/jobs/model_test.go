package jobs

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusPending, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestJob_TransitionBookkeeping(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	j := &Job{Status: StatusPending}

	if err := j.Transition(StatusProcessing, now); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if j.Attempt != 1 || j.StartedAt == nil || !j.StartedAt.Equal(now) {
		t.Fatalf("unexpected after start: %+v", j)
	}
	_ = j.ReportProgress(40, now)

	if err := j.Transition(StatusPending, now.Add(time.Second)); err != nil {
		t.Fatalf("back to pending: %v", err)
	}
	if j.Progress != 0 {
		t.Fatalf("progress not reset: %d", j.Progress)
	}

	later := now.Add(time.Minute)
	_ = j.Transition(StatusProcessing, later)
	if j.Attempt != 2 || !j.StartedAt.Equal(now) {
		t.Fatalf("second attempt bookkeeping wrong: %+v", j)
	}

	if err := j.Complete(Result{Text: "t"}, later); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if j.Progress != 100 || j.Result == nil || j.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", j)
	}
	if err := j.Transition(StatusFailed, later); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal transition err = %v", err)
	}
}

func TestJob_ReportProgressMonotonic(t *testing.T) {
	now := time.Now()
	j := &Job{Status: StatusProcessing}

	if err := j.ReportProgress(30, now); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	if err := j.ReportProgress(10, now); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("stale progress err = %v", err)
	}
	if err := j.ReportProgress(150, now); err != nil || j.Progress != 100 {
		t.Fatalf("clamp failed: progress=%d err=%v", j.Progress, err)
	}

	pending := &Job{Status: StatusPending}
	if err := pending.ReportProgress(10, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("progress on pending err = %v", err)
	}
}

func TestStyle_Validate(t *testing.T) {
	if err := DefaultStyle.Validate(); err != nil {
		t.Fatalf("default style invalid: %v", err)
	}
	if err := (Style{FontSizePt: 20, VerticalPosition: 1.2}).Validate(); err == nil {
		t.Fatal("expected error for vertical position above 1")
	}
	if err := (Style{FontSizePt: 0, VerticalPosition: 0.5}).Validate(); err == nil {
		t.Fatal("expected error for zero font size")
	}
}

func TestJob_FailClearsResult(t *testing.T) {
	j := &Job{Status: StatusProcessing, Result: &Result{Text: "partial"}}
	if err := j.Fail("EngineError", "boom", time.Now()); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if j.Result != nil || j.ErrorKind != "EngineError" || j.Error != "boom" {
		t.Fatalf("unexpected failed job: %+v", j)
	}
}
