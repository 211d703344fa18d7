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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/sarwatch"
	"github.com/spatialmodel/sarwatch/hyp3"
	"github.com/spatialmodel/sarwatch/sardb"
)

const (
	// idlePoll is how long a worker sleeps when the queue has nothing due.
	idlePoll = 2 * time.Second
	// busyRetry is the re-delivery delay when another worker holds a job's
	// advisory lock.
	busyRetry = 5 * time.Second
	// depthInterval is how often the queue-depth gauge is refreshed.
	depthInterval = 15 * time.Second
)

// Run re-enqueues every non-terminal job once, then starts the worker pool
// and blocks until ctx is cancelled. Each worker repeatedly takes one queue
// delivery and performs one poll step; jobs that finished upstream are
// post-processed inline by the same worker before it returns to the queue.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.rescan(ctx); err != nil {
		return err
	}
	workers := o.Config.Orchestrator.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	o.logger().WithField("workers", workers).Info("pipeline: starting worker pool")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.workerLoop(ctx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.depthLoop(ctx)
	}()
	wg.Wait()
	o.logger().Info("pipeline: worker pool stopped")
	return nil
}

// rescan requeues jobs a previous process may have left behind. Duplicate
// deliveries this produces are absorbed by the per-job advisory lock and the
// idempotent deformation upsert.
func (o *Orchestrator) rescan(ctx context.Context) error {
	jobs, err := o.Store.ListNonTerminalJobs(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: scanning for interrupted jobs: %w", err)
	}
	for _, job := range jobs {
		if err := o.Store.Enqueue(ctx, job.ID, o.now(), job.RetryCount); err != nil {
			return err
		}
	}
	if len(jobs) > 0 {
		o.logger().WithField("jobs", len(jobs)).Info("pipeline: re-enqueued interrupted jobs")
	}
	return nil
}

func (o *Orchestrator) workerLoop(ctx context.Context, id int) {
	log := o.logger().WithField("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := o.Store.Dequeue(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("pipeline: dequeue failed")
			sleep(ctx, idlePoll)
			continue
		}
		if len(deliveries) == 0 {
			sleep(ctx, idlePoll)
			continue
		}
		for _, d := range deliveries {
			start := o.now()
			result := o.pollStep(ctx, d)
			o.Metrics.pollStep(result, o.now().Sub(start))
			log.WithFields(logrus.Fields{
				"job_id":  d.JobID,
				"attempt": d.Attempt,
				"result":  result,
			}).Debug("pipeline: poll step")
		}
	}
}

func (o *Orchestrator) depthLoop(ctx context.Context) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.Store.QueueDepth(ctx); err == nil {
				o.Metrics.queueDepth(n)
			}
		}
	}
}

// pollStep performs one poll of one job and reports what happened:
// "dropped", "requeued", "running", "succeeded" or "failed".
func (o *Orchestrator) pollStep(ctx context.Context, d sardb.Delivery) string {
	log := o.logger().WithFields(logrus.Fields{"job_id": d.JobID, "attempt": d.Attempt})

	job, err := o.Store.Job(ctx, d.JobID)
	if errors.Is(err, sarwatch.ErrJobNotFound) {
		log.Warn("pipeline: queued job no longer exists")
		return "dropped"
	}
	if err != nil {
		o.requeue(ctx, d.JobID, d.Attempt, o.pollDelay(d.Attempt))
		return "requeued"
	}
	if job.Status.Terminal() {
		o.cleanup(job.ID)
		return "dropped"
	}

	// Ceilings before spending an upstream call.
	if d.Attempt >= o.Config.Orchestrator.MaxAttempts {
		o.failJob(ctx, job, fmt.Sprintf("%v: %d poll attempts exhausted",
			sarwatch.ErrTimeout, d.Attempt))
		return "failed"
	}
	if job.RunningAt != nil && o.now().Sub(*job.RunningAt) > o.Config.Orchestrator.JobWallClock {
		o.failJob(ctx, job, fmt.Sprintf("%v: running since %s",
			sarwatch.ErrTimeout, job.RunningAt.Format(time.RFC3339)))
		return "failed"
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return "dropped"
	}
	o.Metrics.upstreamRequest("status")
	up, err := o.Upstream.Status(ctx, job.UpstreamID)
	if err != nil {
		if errors.Is(err, sarwatch.ErrUpstreamRejected) {
			o.failJob(ctx, job, err.Error())
			return "failed"
		}
		// Transient; try again later without touching job state.
		log.WithError(err).Warn("pipeline: upstream status query failed")
		o.requeue(ctx, d.JobID, d.Attempt, o.pollDelay(d.Attempt))
		return "requeued"
	}

	switch up.Status {
	case hyp3.StatusPending, hyp3.StatusRunning:
		if _, err := o.Store.TouchJobPoll(ctx, job.ID); err != nil {
			return o.mutationFailed(ctx, d, err, log)
		}
		o.requeue(ctx, d.JobID, d.Attempt+1, o.pollDelay(d.Attempt))
		return "running"

	case hyp3.StatusFailed:
		msg := up.ErrorMessage
		if msg == "" {
			msg = "upstream processing failed"
		}
		o.failJob(ctx, job, msg)
		return "failed"

	case hyp3.StatusSucceeded:
		return o.postProcess(ctx, d, job, up, log)
	}
	o.failJob(ctx, job, fmt.Sprintf("upstream returned unknown status %q", up.Status))
	return "failed"
}

// postProcess runs the download-sample-insert sequence for a job that
// finished upstream, inline in the calling worker.
func (o *Orchestrator) postProcess(ctx context.Context, d sardb.Delivery, job *sarwatch.Job, up *hyp3.Job, log logrus.FieldLogger) string {
	// A job can finish upstream before its first poll; it still passes
	// through RUNNING on the way to PROCESSING.
	if job.Status == sarwatch.StatusPending {
		var err error
		if job, err = o.Store.TouchJobPoll(ctx, job.ID); err != nil {
			return o.mutationFailed(ctx, d, err, log)
		}
	}
	job, err := o.Store.TransitionJob(ctx, job.ID, sarwatch.StatusProcessing, func(j *sarwatch.Job) {
		j.Files = up.Descriptors()
	})
	if err != nil {
		return o.mutationFailed(ctx, d, err, log)
	}
	started := o.now()

	points, err := o.Store.ListPoints(ctx, job.InfrastructureID)
	if err != nil {
		o.failJob(ctx, job, err.Error())
		return "failed"
	}
	measurements, err := o.Sampler.Sample(ctx, job, points)
	if err != nil {
		o.failJob(ctx, job, err.Error())
		return "failed"
	}
	inserted, err := o.Store.BulkUpsertDeformations(ctx, job.ID, measurements)
	if err != nil {
		o.failJob(ctx, job, err.Error())
		return "failed"
	}
	o.Metrics.measurementsInserted(inserted)
	if _, err := o.Store.RecomputeVelocities(ctx, job.InfrastructureID); err != nil {
		o.failJob(ctx, job, err.Error())
		return "failed"
	}

	elapsed := o.now().Sub(started).Milliseconds()
	_, err = o.Store.TransitionJob(ctx, job.ID, sarwatch.StatusSucceeded, func(j *sarwatch.Job) {
		j.ProcessingMS = &elapsed
	})
	if errors.Is(err, sarwatch.ErrInvalidTransition) {
		// Cancelled while post-processing ran; the measurements stay (they
		// are idempotent and true) but the job keeps its terminal state.
		log.Info("pipeline: job reached a terminal state during post-processing")
		o.cleanup(job.ID)
		return "dropped"
	}
	if err != nil {
		return o.mutationFailed(ctx, d, err, log)
	}
	o.Metrics.jobCompleted(sarwatch.StatusSucceeded)
	o.cleanup(job.ID)
	log.WithFields(logrus.Fields{
		"measurements":  inserted,
		"processing_ms": elapsed,
	}).Info("pipeline: job succeeded")
	return "succeeded"
}

// mutationFailed handles errors from job-row mutations: lock contention is
// re-delivered shortly, a cancellation observed mid-step is dropped, and
// anything else is retried on the normal schedule.
func (o *Orchestrator) mutationFailed(ctx context.Context, d sardb.Delivery, err error, log logrus.FieldLogger) string {
	switch {
	case errors.Is(err, sarwatch.ErrJobBusy):
		o.requeue(ctx, d.JobID, d.Attempt, busyRetry)
		return "requeued"
	case errors.Is(err, sarwatch.ErrInvalidTransition):
		log.Info("pipeline: job reached a terminal state concurrently")
		o.cleanup(d.JobID)
		return "dropped"
	default:
		log.WithError(err).Warn("pipeline: job mutation failed")
		o.requeue(ctx, d.JobID, d.Attempt, o.pollDelay(d.Attempt))
		return "requeued"
	}
}

// failJob moves a job to FAILED with the given message. A transition refused
// because the job went terminal concurrently is not an error.
func (o *Orchestrator) failJob(ctx context.Context, job *sarwatch.Job, msg string) {
	_, err := o.Store.TransitionJob(ctx, job.ID, sarwatch.StatusFailed, func(j *sarwatch.Job) {
		j.ErrorMessage = msg
	})
	switch {
	case err == nil:
		o.Metrics.jobCompleted(sarwatch.StatusFailed)
		o.logger().WithFields(logrus.Fields{
			"job_id": job.ID,
			"error":  msg,
		}).Warn("pipeline: job failed")
	case errors.Is(err, sarwatch.ErrInvalidTransition):
	default:
		o.logger().WithError(err).WithField("job_id", job.ID).
			Error("pipeline: could not record job failure")
	}
	o.cleanup(job.ID)
}

func (o *Orchestrator) requeue(ctx context.Context, jobID uuid.UUID, attempt int, delay time.Duration) {
	if err := o.Store.Enqueue(ctx, jobID, o.now().Add(delay), attempt); err != nil {
		// The startup rescan will regenerate the message.
		o.logger().WithError(err).WithField("job_id", jobID).
			Error("pipeline: re-enqueue failed")
	}
}

func (o *Orchestrator) cleanup(jobID uuid.UUID) {
	if err := o.Sampler.Cleanup(jobID.String()); err != nil {
		o.logger().WithError(err).WithField("job_id", jobID).
			Warn("pipeline: working directory cleanup failed")
	}
}

// pollDelay is the exponential re-poll schedule: base·2ⁿ capped at the
// configured maximum.
func (o *Orchestrator) pollDelay(attempt int) time.Duration {
	d := o.Config.Orchestrator.PollBase
	max := o.Config.Orchestrator.PollMax
	if max < d {
		max = d
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
