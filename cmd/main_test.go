package main

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var runs atomic.Int32
	entered := make(chan struct{})
	leave := make(chan struct{})
	job := cron.NewChain(jobWrappers(logger)...).Then(cron.FuncJob(func() {
		if runs.Add(1) == 1 {
			close(entered)
			<-leave
		}
	}))

	done := make(chan struct{})
	go func() {
		job.Run()
		close(done)
	}()
	<-entered

	job.Run()
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs while the first was active = %d, want 1", got)
	}

	close(leave)
	<-done
	job.Run()
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs after the first finished = %d, want 2", got)
	}
}

func TestNewSchedulerUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("EET", 2*60*60)
	s := newScheduler(loc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if s.Location() != loc {
		t.Fatalf("Location() = %v, want %v", s.Location(), loc)
	}
}
