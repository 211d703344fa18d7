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

// Package pipeline is the control plane of the deformation-monitoring
// system. The Orchestrator accepts job submissions, keeps a durable queue of
// jobs awaiting their next upstream poll, and runs the worker pool that
// drains it. When a job finishes upstream the same worker downloads its
// products, samples them at the infrastructure's monitoring points, persists
// the measurements and refits per-point velocities before marking the job
// done.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/sarwatch"
	"github.com/spatialmodel/sarwatch/hyp3"
	"github.com/spatialmodel/sarwatch/sardb"
)

// Store is the persistence capability the orchestrator needs. *sardb.DB
// implements it.
type Store interface {
	Infrastructure(ctx context.Context, id uuid.UUID) (*sarwatch.Infrastructure, error)
	CountPoints(ctx context.Context, infraID uuid.UUID) (int, error)
	ListPoints(ctx context.Context, infraID uuid.UUID) ([]sarwatch.Point, error)

	CreateJob(ctx context.Context, job *sarwatch.Job) error
	Job(ctx context.Context, id uuid.UUID) (*sarwatch.Job, error)
	ListJobs(ctx context.Context, infraID uuid.UUID, statuses ...sarwatch.JobStatus) ([]sarwatch.Job, error)
	ListNonTerminalJobs(ctx context.Context) ([]sarwatch.Job, error)
	TransitionJob(ctx context.Context, id uuid.UUID, to sarwatch.JobStatus, mutate func(*sarwatch.Job)) (*sarwatch.Job, error)
	TouchJobPoll(ctx context.Context, id uuid.UUID) (*sarwatch.Job, error)

	Enqueue(ctx context.Context, jobID uuid.UUID, runAt time.Time, attempt int) error
	Dequeue(ctx context.Context, limit int) ([]sardb.Delivery, error)
	QueueDepth(ctx context.Context) (int, error)

	BulkUpsertDeformations(ctx context.Context, jobID uuid.UUID, measurements []sarwatch.Measurement) (int, error)
	RecomputeVelocities(ctx context.Context, infraID uuid.UUID) (int, error)
}

// Upstream is the processing-service capability the orchestrator needs.
// *hyp3.Client implements it.
type Upstream interface {
	Submit(ctx context.Context, name, reference, secondary string) (*hyp3.Job, error)
	Status(ctx context.Context, upstreamID string) (*hyp3.Job, error)
}

// Sampler turns one finished job's products into measurements.
// *raster.Sampler implements it.
type Sampler interface {
	Sample(ctx context.Context, job *sarwatch.Job, points []sarwatch.Point) ([]sarwatch.Measurement, error)
	Cleanup(jobID string) error
}

// An Orchestrator coordinates the processing pipeline. Construct it with New
// and start the worker pool with Run; SubmitJob, RetryJob and CancelJob may
// be called concurrently with a running pool.
type Orchestrator struct {
	Store    Store
	Catalog  sarwatch.CatalogSearcher
	Upstream Upstream
	Sampler  Sampler
	Config   sarwatch.Config
	// Log defaults to logrus.StandardLogger().
	Log logrus.FieldLogger
	// Metrics may be nil, in which case nothing is recorded.
	Metrics *Metrics

	limiter *windowLimiter
	now     func() time.Time
}

// New returns an orchestrator using the given collaborators. Upstream calls
// made through it (submissions and status polls together) are limited to
// cfg.Orchestrator.UpstreamRatePerMin per wall-clock minute.
func New(store Store, catalog sarwatch.CatalogSearcher, upstream Upstream, sampler Sampler, cfg sarwatch.Config) *Orchestrator {
	return &Orchestrator{
		Store:    store,
		Catalog:  catalog,
		Upstream: upstream,
		Sampler:  sampler,
		Config:   cfg,
		limiter:  newWindowLimiter(cfg.Orchestrator.UpstreamRatePerMin, time.Minute),
		now:      time.Now,
	}
}

// SubmitJob discovers the best interferometric pair for the infrastructure's
// AOI within the date window, submits it to the processing service, records
// a PENDING job and queues it for polling. It fails without persisting
// anything when the infrastructure is unknown or has no monitoring points,
// when no pair meets the minimum quality score, or when the processing
// service rejects the submission.
func (o *Orchestrator) SubmitJob(ctx context.Context, infraID uuid.UUID, window sarwatch.DateWindow) (uuid.UUID, error) {
	infra, err := o.Store.Infrastructure(ctx, infraID)
	if err != nil {
		return uuid.Nil, err
	}
	n, err := o.Store.CountPoints(ctx, infraID)
	if err != nil {
		return uuid.Nil, err
	}
	if n == 0 {
		return uuid.Nil, fmt.Errorf("%w: %s", sarwatch.ErrNoPointsForInfrastructure, infraID)
	}

	candidates, err := sarwatch.FindPairs(ctx, o.Catalog, infra.Geometry, window, o.Config.Pairs)
	if err != nil {
		return uuid.Nil, err
	}
	best, err := sarwatch.BestPair(candidates, o.Config.Pairs.MinQualityScore)
	if err != nil {
		return uuid.Nil, err
	}

	jobID, err := o.submitPair(ctx, infra, best.Reference.Name, best.Secondary.Name)
	if err != nil {
		return uuid.Nil, err
	}
	o.logger().WithFields(logrus.Fields{
		"job_id":            jobID,
		"infrastructure_id": infraID,
		"reference":         best.Reference.Name,
		"secondary":         best.Secondary.Name,
		"score":             best.Score,
	}).Info("pipeline: job submitted")
	return jobID, nil
}

// GetJob returns a read-only snapshot of one job.
func (o *Orchestrator) GetJob(ctx context.Context, id uuid.UUID) (*sarwatch.Job, error) {
	return o.Store.Job(ctx, id)
}

// ListJobs returns the jobs of an infrastructure, optionally restricted to
// the given states.
func (o *Orchestrator) ListJobs(ctx context.Context, infraID uuid.UUID, statuses ...sarwatch.JobStatus) ([]sarwatch.Job, error) {
	return o.Store.ListJobs(ctx, infraID, statuses...)
}

// RetryJob re-submits the granule pair of a failed or cancelled job as a
// fresh job, leaving the old row in place for history, and returns the new
// job's identifier. Jobs in any other state are not retryable.
func (o *Orchestrator) RetryJob(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	job, err := o.Store.Job(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if job.Status != sarwatch.StatusFailed && job.Status != sarwatch.StatusCancelled {
		return uuid.Nil, fmt.Errorf("%w: job %s is %s", sarwatch.ErrNotRetryable, id, job.Status)
	}
	infra, err := o.Store.Infrastructure(ctx, job.InfrastructureID)
	if err != nil {
		return uuid.Nil, err
	}
	newID, err := o.submitPair(ctx, infra, job.ReferenceGranule, job.SecondaryGranule)
	if err != nil {
		return uuid.Nil, err
	}
	o.logger().WithFields(logrus.Fields{
		"job_id":     newID,
		"retried_of": id,
	}).Info("pipeline: job retried")
	return newID, nil
}

// CancelJob moves a non-terminal job to CANCELLED. The next queue delivery
// for the job observes the terminal state and drops it; post-processing
// already in flight discards its output when its final transition is
// refused.
func (o *Orchestrator) CancelJob(ctx context.Context, id uuid.UUID) error {
	_, err := o.Store.TransitionJob(ctx, id, sarwatch.StatusCancelled, func(j *sarwatch.Job) {
		j.ErrorMessage = "cancelled on request"
	})
	if err != nil {
		return err
	}
	o.Metrics.jobCompleted(sarwatch.StatusCancelled)
	o.logger().WithField("job_id", id).Info("pipeline: job cancelled")
	return nil
}

// submitPair submits one (reference, secondary) pair upstream and records
// the resulting PENDING job. Upstream rejection aborts before anything is
// persisted.
func (o *Orchestrator) submitPair(ctx context.Context, infra *sarwatch.Infrastructure, reference, secondary string) (uuid.UUID, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return uuid.Nil, err
	}
	o.Metrics.upstreamRequest("submit")
	up, err := o.Upstream.Submit(ctx, upstreamName(infra.ID), reference, secondary)
	if err != nil {
		if errors.Is(err, sarwatch.ErrUpstreamRejected) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("pipeline: submitting job upstream: %w", err)
	}

	job := &sarwatch.Job{
		InfrastructureID: infra.ID,
		UpstreamID:       up.ID,
		Status:           sarwatch.StatusPending,
		BBox:             infra.Geometry,
		ReferenceGranule: reference,
		SecondaryGranule: secondary,
	}
	if err := o.Store.CreateJob(ctx, job); err != nil {
		return uuid.Nil, err
	}
	if err := o.Store.Enqueue(ctx, job.ID, o.now(), 0); err != nil {
		return uuid.Nil, err
	}
	o.Metrics.jobSubmitted()
	return job.ID, nil
}

// upstreamName is the job name sent to the processing service; HyP3 caps
// names at 20 characters.
func upstreamName(infraID uuid.UUID) string {
	return "sarwatch_" + infraID.String()[:8]
}

func (o *Orchestrator) logger() logrus.FieldLogger {
	if o.Log != nil {
		return o.Log
	}
	return logrus.StandardLogger()
}
