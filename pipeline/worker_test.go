/*
Copyright © 2025 the SARwatch authors.
This file is part of SARwatch.

SARwatch is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SARwatch is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SARwatch.  If not, see <http://www.gnu.org/licenses/>.
*/

package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/spatialmodel/sarwatch"
	"github.com/spatialmodel/sarwatch/hyp3"
	"github.com/spatialmodel/sarwatch/sardb"
)

// submitAndDequeue submits one job and takes its first queue delivery.
func submitAndDequeue(t *testing.T, o *Orchestrator, store *fakeStore, clock *fakeClock, points int) (uuid.UUID, sardb.Delivery) {
	t.Helper()
	infraID := store.addInfrastructure(points)
	jobID, err := o.SubmitJob(context.Background(), infraID, testWindow())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	clock.Advance(time.Second)
	deliveries, err := store.Dequeue(context.Background(), 1)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("Dequeue = %v, %v; want one delivery", deliveries, err)
	}
	return jobID, deliveries[0]
}

func TestPollStepStillRunningUpstream(t *testing.T) {
	o, store, _, _, _, clock := newTestOrchestrator()
	jobID, d := submitAndDequeue(t, o, store, clock, 4)
	ctx := context.Background()

	if result := o.pollStep(ctx, d); result != "running" {
		t.Fatalf("pollStep = %q, want running", result)
	}
	job, _ := o.GetJob(ctx, jobID)
	if job.Status != sarwatch.StatusRunning {
		t.Errorf("job status = %s, want RUNNING", job.Status)
	}
	if job.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", job.RetryCount)
	}
	if job.RunningAt == nil {
		t.Error("RunningAt not recorded on first poll")
	}

	// Re-enqueued for the next attempt on the backoff schedule.
	q := store.queuedFor(jobID)
	if len(q) != 1 {
		t.Fatalf("job queued %d times, want 1", len(q))
	}
	if q[0].attempt != d.Attempt+1 {
		t.Errorf("requeued attempt = %d, want %d", q[0].attempt, d.Attempt+1)
	}
	if want := clock.Now().Add(o.Config.Orchestrator.PollBase); !q[0].runAt.Equal(want) {
		t.Errorf("requeued runAt = %v, want %v", q[0].runAt, want)
	}
}

func TestPollStepSucceeded(t *testing.T) {
	o, store, _, upstream, sampler, clock := newTestOrchestrator()
	jobID, d := submitAndDequeue(t, o, store, clock, 4)
	ctx := context.Background()

	job, _ := o.GetJob(ctx, jobID)
	upstream.setScript(job.UpstreamID, succeededUpstream(job.UpstreamID))

	if result := o.pollStep(ctx, d); result != "succeeded" {
		t.Fatalf("pollStep = %q, want succeeded", result)
	}
	job, _ = o.GetJob(ctx, jobID)
	if job.Status != sarwatch.StatusSucceeded {
		t.Fatalf("job status = %s, want SUCCEEDED", job.Status)
	}
	if len(job.Files) != 2 {
		t.Errorf("job records %d files, want 2", len(job.Files))
	}
	if job.ProcessingMS == nil {
		t.Error("processing duration not recorded")
	}
	if job.CompletedAt == nil {
		t.Error("completion time not recorded")
	}
	if got := store.rowsFor(jobID); got != 4 {
		t.Errorf("deformation rows = %d, want 4", got)
	}
	if store.velocityRuns != 1 {
		t.Errorf("velocity recomputations = %d, want 1", store.velocityRuns)
	}
	if len(sampler.cleanups) == 0 || sampler.cleanups[0] != jobID.String() {
		t.Errorf("working directory not cleaned up: %v", sampler.cleanups)
	}
}

// Points the sampler omits (NoData pixels, low coherence) reduce the row
// count but do not fail the job.
func TestPollStepOmittedPoints(t *testing.T) {
	o, store, _, upstream, sampler, clock := newTestOrchestrator()
	jobID, d := submitAndDequeue(t, o, store, clock, 4)
	ctx := context.Background()

	job, _ := o.GetJob(ctx, jobID)
	upstream.setScript(job.UpstreamID, succeededUpstream(job.UpstreamID))
	points, _ := store.ListPoints(ctx, job.InfrastructureID)
	sampler.skip[points[0].ID] = true

	if result := o.pollStep(ctx, d); result != "succeeded" {
		t.Fatalf("pollStep = %q, want succeeded", result)
	}
	if got := store.rowsFor(jobID); got != 3 {
		t.Errorf("deformation rows = %d, want 3", got)
	}
	job, _ = o.GetJob(ctx, jobID)
	if job.Status != sarwatch.StatusSucceeded {
		t.Errorf("job status = %s, want SUCCEEDED", job.Status)
	}
}

func TestPollStepUpstreamFailed(t *testing.T) {
	o, store, _, upstream, _, clock := newTestOrchestrator()
	jobID, d := submitAndDequeue(t, o, store, clock, 4)
	ctx := context.Background()

	job, _ := o.GetJob(ctx, jobID)
	upstream.setScript(job.UpstreamID,
		&hyp3.Job{ID: job.UpstreamID, Status: hyp3.StatusFailed, ErrorMessage: "processing error: insufficient overlap"})

	if result := o.pollStep(ctx, d); result != "failed" {
		t.Fatalf("pollStep = %q, want failed", result)
	}
	job, _ = o.GetJob(ctx, jobID)
	if job.Status != sarwatch.StatusFailed {
		t.Errorf("job status = %s, want FAILED", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "insufficient overlap") {
		t.Errorf("upstream error not retained: %q", job.ErrorMessage)
	}
}

// A transport failure querying upstream must not mutate job state.
func TestPollStepTransientUpstreamError(t *testing.T) {
	o, store, _, upstream, _, clock := newTestOrchestrator()
	jobID, d := submitAndDequeue(t, o, store, clock, 4)
	ctx := context.Background()

	upstream.statusErr = errors.New("connection reset")
	if result := o.pollStep(ctx, d); result != "requeued" {
		t.Fatalf("pollStep = %q, want requeued", result)
	}
	job, _ := o.GetJob(ctx, jobID)
	if job.Status != sarwatch.StatusPending {
		t.Errorf("job status = %s, want PENDING unchanged", job.Status)
	}
	if job.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 (no state change)", job.RetryCount)
	}
	q := store.queuedFor(jobID)
	if len(q) != 1 || q[0].attempt != d.Attempt {
		t.Errorf("requeue = %+v, want one delivery at unchanged attempt %d", q, d.Attempt)
	}
}

// Download or sampling failure after upstream success fails the job and
// leaves no measurements (spec scenario 4).
func TestPollStepSamplerFailure(t *testing.T) {
	o, store, _, upstream, sampler, clock := newTestOrchestrator()
	jobID, d := submitAndDequeue(t, o, store, clock, 4)
	ctx := context.Background()

	job, _ := o.GetJob(ctx, jobID)
	upstream.setScript(job.UpstreamID, succeededUpstream(job.UpstreamID))
	sampler.err = errors.New("downloading S1AA_..._vert_disp.tif: 3 attempts failed")

	if result := o.pollStep(ctx, d); result != "failed" {
		t.Fatalf("pollStep = %q, want failed", result)
	}
	job, _ = o.GetJob(ctx, jobID)
	if job.Status != sarwatch.StatusFailed {
		t.Errorf("job status = %s, want FAILED", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "vert_disp") {
		t.Errorf("download error not retained: %q", job.ErrorMessage)
	}
	if got := store.rowsFor(jobID); got != 0 {
		t.Errorf("deformation rows = %d, want 0", got)
	}
}

func TestPollStepAttemptCeiling(t *testing.T) {
	o, store, _, _, _, clock := newTestOrchestrator()
	jobID, d := submitAndDequeue(t, o, store, clock, 4)
	ctx := context.Background()

	d.Attempt = o.Config.Orchestrator.MaxAttempts
	if result := o.pollStep(ctx, d); result != "failed" {
		t.Fatalf("pollStep = %q, want failed", result)
	}
	job, _ := o.GetJob(ctx, jobID)
	if job.Status != sarwatch.StatusFailed {
		t.Errorf("job status = %s, want FAILED", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "timed out") {
		t.Errorf("timeout not recorded: %q", job.ErrorMessage)
	}
}

func TestPollStepWallClockCeiling(t *testing.T) {
	o, store, _, _, _, clock := newTestOrchestrator()
	jobID, d := submitAndDequeue(t, o, store, clock, 4)
	ctx := context.Background()

	// First poll observes RUNNING and stamps RunningAt.
	if result := o.pollStep(ctx, d); result != "running" {
		t.Fatalf("pollStep = %q, want running", result)
	}
	clock.Advance(o.Config.Orchestrator.JobWallClock + time.Minute)
	deliveries, _ := store.Dequeue(ctx, 1)
	if len(deliveries) != 1 {
		t.Fatal("expected the requeued delivery to be due")
	}
	if result := o.pollStep(ctx, deliveries[0]); result != "failed" {
		t.Fatalf("pollStep = %q, want failed", result)
	}
	job, _ := o.GetJob(ctx, jobID)
	if job.Status != sarwatch.StatusFailed || !strings.Contains(job.ErrorMessage, "timed out") {
		t.Errorf("job = %s %q, want FAILED with timeout", job.Status, job.ErrorMessage)
	}
}

// Lock contention re-delivers the message shortly without consuming an
// attempt.
func TestPollStepJobBusy(t *testing.T) {
	o, store, _, _, _, clock := newTestOrchestrator()
	jobID, d := submitAndDequeue(t, o, store, clock, 4)
	ctx := context.Background()

	store.mu.Lock()
	store.locked[jobID] = true
	store.mu.Unlock()

	if result := o.pollStep(ctx, d); result != "requeued" {
		t.Fatalf("pollStep = %q, want requeued", result)
	}
	q := store.queuedFor(jobID)
	if len(q) != 1 || q[0].attempt != d.Attempt {
		t.Fatalf("requeue = %+v, want one delivery at attempt %d", q, d.Attempt)
	}
	if want := clock.Now().Add(busyRetry); !q[0].runAt.Equal(want) {
		t.Errorf("busy requeue runAt = %v, want %v", q[0].runAt, want)
	}
}

// A worker crash after upstream success is recovered by the startup rescan:
// the second run re-polls, re-downloads and upserts idempotently, reaching
// the same terminal state as an uninterrupted run (spec scenario 5).
func TestCrashReplay(t *testing.T) {
	o, store, _, upstream, sampler, clock := newTestOrchestrator()
	jobID, d := submitAndDequeue(t, o, store, clock, 4)
	ctx := context.Background()

	job, _ := o.GetJob(ctx, jobID)
	upstream.setScript(job.UpstreamID, succeededUpstream(job.UpstreamID))

	// Simulate the crashed worker's persisted progress: it observed the
	// upstream success, moved the job to PROCESSING and inserted the rows,
	// then died before the final transition. Its queue delivery is lost
	// with it (d is consumed and never re-enqueued).
	if _, err := store.TouchJobPoll(ctx, jobID); err != nil {
		t.Fatal(err)
	}
	up, _ := upstream.Status(ctx, job.UpstreamID)
	if _, err := store.TransitionJob(ctx, jobID, sarwatch.StatusProcessing, func(j *sarwatch.Job) {
		j.Files = up.Descriptors()
	}); err != nil {
		t.Fatal(err)
	}
	job, _ = o.GetJob(ctx, jobID)
	points, _ := store.ListPoints(ctx, job.InfrastructureID)
	crashRows, err := sampler.Sample(ctx, job, points)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.BulkUpsertDeformations(ctx, jobID, crashRows); err != nil {
		t.Fatal(err)
	}
	_ = d

	// Restart: the rescan regenerates the delivery.
	if err := o.rescan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	clock.Advance(time.Second)
	deliveries, _ := store.Dequeue(ctx, 1)
	if len(deliveries) != 1 {
		t.Fatal("rescan did not re-enqueue the interrupted job")
	}
	if result := o.pollStep(ctx, deliveries[0]); result != "succeeded" {
		t.Fatalf("replayed pollStep = %q, want succeeded", result)
	}

	job, _ = o.GetJob(ctx, jobID)
	if job.Status != sarwatch.StatusSucceeded {
		t.Errorf("job status = %s, want SUCCEEDED", job.Status)
	}
	if got := store.rowsFor(jobID); got != 4 {
		t.Errorf("deformation rows after replay = %d, want exactly 4", got)
	}
}

func TestPollDelaySchedule(t *testing.T) {
	o, _, _, _, _, _ := newTestOrchestrator()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, c := range cases {
		if got := o.pollDelay(c.attempt); got != c.want {
			t.Errorf("pollDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

// Run drives a freshly submitted job to completion through the real worker
// pool (spec scenario 1 shape, with fakes).
func TestRunDrainsQueue(t *testing.T) {
	o, store, _, upstream, _, _ := newTestOrchestrator()
	infraID := store.addInfrastructure(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID, err := o.SubmitJob(ctx, infraID, testWindow())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	job, _ := o.GetJob(ctx, jobID)
	upstream.setScript(job.UpstreamID, succeededUpstream(job.UpstreamID))

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		job, err := o.GetJob(ctx, jobID)
		if err == nil && job.Status.Terminal() {
			if job.Status != sarwatch.StatusSucceeded {
				t.Errorf("job status = %s, want SUCCEEDED", job.Status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("job did not reach a terminal state")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if got := store.rowsFor(jobID); got != 4 {
		t.Errorf("deformation rows = %d, want 4", got)
	}
}
