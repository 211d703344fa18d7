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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctessum/geom"
	"github.com/spatialmodel/sarwatch"
	"github.com/spatialmodel/sarwatch/hyp3"
	"github.com/spatialmodel/sarwatch/sardb"
)

// fakeClock is a manually advanced clock shared by the orchestrator under
// test and the fake store's queue.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type defKey struct {
	point uuid.UUID
	job   uuid.UUID
	date  string
}

type defRow struct {
	displacementMM float64
	coherence      *float64
	velocity       *float64
}

type queued struct {
	jobID   uuid.UUID
	runAt   time.Time
	attempt int
}

// fakeStore is an in-memory Store that mirrors sardb's semantics: state
// transitions are validated, a held per-job lock refuses mutations, the
// queue delivers only due messages, and the deformation upsert is keyed on
// (point, job, date).
type fakeStore struct {
	clock *fakeClock

	mu           sync.Mutex
	infras       map[uuid.UUID]*sarwatch.Infrastructure
	points       map[uuid.UUID][]sarwatch.Point
	jobs         map[uuid.UUID]*sarwatch.Job
	queue        []queued
	deformations map[defKey]defRow
	locked       map[uuid.UUID]bool

	velocityRuns int
	insertErr    error
	velocityErr  error
}

func newFakeStore(clock *fakeClock) *fakeStore {
	return &fakeStore{
		clock:        clock,
		infras:       make(map[uuid.UUID]*sarwatch.Infrastructure),
		points:       make(map[uuid.UUID][]sarwatch.Point),
		jobs:         make(map[uuid.UUID]*sarwatch.Job),
		deformations: make(map[defKey]defRow),
		locked:       make(map[uuid.UUID]bool),
	}
}

// addInfrastructure registers an infrastructure with n monitoring points.
func (s *fakeStore) addInfrastructure(n int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.infras[id] = &sarwatch.Infrastructure{
		ID:       id,
		Name:     "test",
		Geometry: squareAOI(),
	}
	for i := 0; i < n; i++ {
		s.points[id] = append(s.points[id], sarwatch.Point{
			ID:               uuid.New(),
			InfrastructureID: id,
			Lon:              2.3522 + float64(i)*1e-4,
			Lat:              48.8566,
		})
	}
	return id
}

func (s *fakeStore) Infrastructure(ctx context.Context, id uuid.UUID) (*sarwatch.Infrastructure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inf, ok := s.infras[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sarwatch.ErrInfrastructureNotFound, id)
	}
	cp := *inf
	return &cp, nil
}

func (s *fakeStore) CountPoints(ctx context.Context, infraID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points[infraID]), nil
}

func (s *fakeStore) ListPoints(ctx context.Context, infraID uuid.UUID) ([]sarwatch.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sarwatch.Point(nil), s.points[infraID]...), nil
}

func (s *fakeStore) CreateJob(ctx context.Context, job *sarwatch.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = sarwatch.StatusPending
	}
	job.CreatedAt = s.clock.Now()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) Job(ctx context.Context, id uuid.UUID) (*sarwatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sarwatch.ErrJobNotFound, id)
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) ListJobs(ctx context.Context, infraID uuid.UUID, statuses ...sarwatch.JobStatus) ([]sarwatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sarwatch.Job
	for _, job := range s.jobs {
		if job.InfrastructureID != infraID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				if job.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *job)
	}
	return out, nil
}

func (s *fakeStore) ListNonTerminalJobs(ctx context.Context) ([]sarwatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sarwatch.Job
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *fakeStore) TransitionJob(ctx context.Context, id uuid.UUID, to sarwatch.JobStatus, mutate func(*sarwatch.Job)) (*sarwatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[id] {
		return nil, fmt.Errorf("%w: %s", sarwatch.ErrJobBusy, id)
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sarwatch.ErrJobNotFound, id)
	}
	if !sarwatch.CanTransition(job.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", sarwatch.ErrInvalidTransition, job.Status, to)
	}
	if mutate != nil {
		mutate(job)
	}
	job.Status = to
	now := s.clock.Now()
	if to == sarwatch.StatusRunning && job.RunningAt == nil {
		t := now
		job.RunningAt = &t
	}
	if to.Terminal() && job.CompletedAt == nil {
		t := now
		job.CompletedAt = &t
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) TouchJobPoll(ctx context.Context, id uuid.UUID) (*sarwatch.Job, error) {
	return s.TransitionJob(ctx, id, sarwatch.StatusRunning, func(j *sarwatch.Job) {
		j.RetryCount++
	})
}

func (s *fakeStore) Enqueue(ctx context.Context, jobID uuid.UUID, runAt time.Time, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, queued{jobID: jobID, runAt: runAt, attempt: attempt})
	return nil
}

func (s *fakeStore) Dequeue(ctx context.Context, limit int) ([]sardb.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var out []sardb.Delivery
	var keep []queued
	for _, q := range s.queue {
		if len(out) < limit && !q.runAt.After(now) {
			out = append(out, sardb.Delivery{JobID: q.jobID, Attempt: q.attempt})
		} else {
			keep = append(keep, q)
		}
	}
	s.queue = keep
	return out, nil
}

func (s *fakeStore) QueueDepth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *fakeStore) BulkUpsertDeformations(ctx context.Context, jobID uuid.UUID, measurements []sarwatch.Measurement) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	for _, m := range measurements {
		key := defKey{point: m.PointID, job: jobID, date: m.Date.Format("2006-01-02")}
		prev, existed := s.deformations[key]
		row := defRow{displacementMM: m.DisplacementMM, coherence: m.Coherence}
		if existed {
			row.velocity = prev.velocity
		}
		s.deformations[key] = row
	}
	return len(measurements), nil
}

func (s *fakeStore) RecomputeVelocities(ctx context.Context, infraID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.velocityErr != nil {
		return 0, s.velocityErr
	}
	s.velocityRuns++
	return len(s.points[infraID]), nil
}

// queuedFor returns the pending queue entries for one job.
func (s *fakeStore) queuedFor(jobID uuid.UUID) []queued {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queued
	for _, q := range s.queue {
		if q.jobID == jobID {
			out = append(out, q)
		}
	}
	return out
}

func (s *fakeStore) rowsFor(jobID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.deformations {
		if key.job == jobID {
			n++
		}
	}
	return n
}

// fakeCatalog returns a scripted granule list.
type fakeCatalog struct {
	granules []sarwatch.Granule
	err      error
}

func (c *fakeCatalog) SearchGranules(ctx context.Context, aoi geom.Polygon, window sarwatch.DateWindow) ([]sarwatch.Granule, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.granules, nil
}

// fakeUpstream accepts submissions and replays a scripted status sequence
// per upstream job; the last status repeats once the script is exhausted.
type fakeUpstream struct {
	mu        sync.Mutex
	submitErr error
	statusErr error
	submits   int
	script    map[string][]*hyp3.Job
	served    map[string]int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		script: make(map[string][]*hyp3.Job),
		served: make(map[string]int),
	}
}

func (u *fakeUpstream) Submit(ctx context.Context, name, reference, secondary string) (*hyp3.Job, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.submitErr != nil {
		return nil, u.submitErr
	}
	u.submits++
	id := fmt.Sprintf("up-%d", u.submits)
	if _, ok := u.script[id]; !ok {
		u.script[id] = []*hyp3.Job{{ID: id, Status: hyp3.StatusPending}}
	}
	return &hyp3.Job{ID: id, Status: hyp3.StatusPending}, nil
}

func (u *fakeUpstream) Status(ctx context.Context, upstreamID string) (*hyp3.Job, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.statusErr != nil {
		return nil, u.statusErr
	}
	seq, ok := u.script[upstreamID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job %s", sarwatch.ErrUpstreamRejected, upstreamID)
	}
	i := u.served[upstreamID]
	if i >= len(seq) {
		i = len(seq) - 1
	} else {
		u.served[upstreamID]++
	}
	return seq[i], nil
}

// setScript replaces the status sequence for one upstream job.
func (u *fakeUpstream) setScript(upstreamID string, seq ...*hyp3.Job) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.script[upstreamID] = seq
	u.served[upstreamID] = 0
}

func succeededUpstream(id string, files ...hyp3.File) *hyp3.Job {
	if files == nil {
		files = []hyp3.File{
			{URL: "https://example.com/S1AA_20240101_20240113_ifg_vert_disp.tif",
				Filename: "S1AA_20240101_20240113_ifg_vert_disp.tif", Size: 1024},
			{URL: "https://example.com/S1AA_20240101_20240113_ifg_corr.tif",
				Filename: "S1AA_20240101_20240113_ifg_corr.tif", Size: 1024},
		}
	}
	return &hyp3.Job{ID: id, Status: hyp3.StatusSucceeded, Files: files}
}

// fakeSampler hands back scripted measurements for the points it is given.
type fakeSampler struct {
	mu       sync.Mutex
	err      error
	date     time.Time
	skip     map[uuid.UUID]bool // points omitted, as for NoData pixels
	samples  int
	cleanups []string
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{
		date: time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC),
		skip: make(map[uuid.UUID]bool),
	}
}

func (f *fakeSampler) Sample(ctx context.Context, job *sarwatch.Job, points []sarwatch.Point) ([]sarwatch.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.samples++
	coh := 0.8
	var out []sarwatch.Measurement
	for _, pt := range points {
		if f.skip[pt.ID] {
			continue
		}
		out = append(out, sarwatch.Measurement{
			PointID:        pt.ID,
			Date:           f.date,
			DisplacementMM: -3.2,
			Coherence:      &coh,
		})
	}
	return out, nil
}

func (f *fakeSampler) Cleanup(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, jobID)
	return nil
}

// squareAOI is a ~100 m square near Paris.
func squareAOI() geom.Polygon {
	const d = 0.0009
	return geom.Polygon{{
		{X: 2.3522, Y: 48.8566},
		{X: 2.3522 + d, Y: 48.8566},
		{X: 2.3522 + d, Y: 48.8566 + d},
		{X: 2.3522, Y: 48.8566 + d},
		{X: 2.3522, Y: 48.8566},
	}}
}

// testGranules is a pair of same-track acquisitions 12 days apart whose
// footprints cover the AOI.
func testGranules() []sarwatch.Granule {
	footprint := geom.Polygon{{
		{X: 1, Y: 48}, {X: 4, Y: 48}, {X: 4, Y: 50}, {X: 1, Y: 50}, {X: 1, Y: 48},
	}}
	return []sarwatch.Granule{
		{
			Name:      "S1A_IW_SLC__1SDV_20240101T060000",
			StartTime: time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
			Path:      88,
			Footprint: footprint,
		},
		{
			Name:      "S1A_IW_SLC__1SDV_20240113T060000",
			StartTime: time.Date(2024, 1, 13, 6, 0, 0, 0, time.UTC),
			Path:      88,
			Footprint: footprint,
		},
	}
}

// newTestOrchestrator wires an orchestrator to fresh fakes and a manual
// clock.
func newTestOrchestrator() (*Orchestrator, *fakeStore, *fakeCatalog, *fakeUpstream, *fakeSampler, *fakeClock) {
	clock := newFakeClock()
	store := newFakeStore(clock)
	catalog := &fakeCatalog{granules: testGranules()}
	upstream := newFakeUpstream()
	sampler := newFakeSampler()
	o := New(store, catalog, upstream, sampler, sarwatch.DefaultConfig())
	o.now = clock.Now
	o.limiter.now = clock.Now
	return o, store, catalog, upstream, sampler, clock
}
