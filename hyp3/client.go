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

// Package hyp3 submits interferometric processing jobs to a HyP3-style
// service and reads their status. All requests carry Bearer-token
// authentication.
package hyp3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/sarwatch"
)

// StatusCode is the closed set of upstream job states.
type StatusCode string

const (
	StatusPending   StatusCode = "PENDING"
	StatusRunning   StatusCode = "RUNNING"
	StatusSucceeded StatusCode = "SUCCEEDED"
	StatusFailed    StatusCode = "FAILED"
)

// Internal maps an upstream state onto the pipeline job state machine.
// Upstream PENDING and RUNNING both mean "still processing upstream".
func (s StatusCode) Internal() sarwatch.JobStatus {
	switch s {
	case StatusPending, StatusRunning:
		return sarwatch.StatusRunning
	case StatusSucceeded:
		return sarwatch.StatusProcessing
	case StatusFailed:
		return sarwatch.StatusFailed
	}
	return sarwatch.StatusFailed
}

// File is one output file published for a finished upstream job.
type File struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Job is the upstream view of one processing job.
type Job struct {
	ID           string     `json:"job_id"`
	Name         string     `json:"name,omitempty"`
	Status       StatusCode `json:"status_code"`
	RequestTime  string     `json:"request_time,omitempty"`
	Files        []File     `json:"files,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Descriptors converts the job's file list to the pipeline representation.
func (j *Job) Descriptors() []sarwatch.FileDescriptor {
	if len(j.Files) == 0 {
		return nil
	}
	out := make([]sarwatch.FileDescriptor, len(j.Files))
	for i, f := range j.Files {
		out[i] = sarwatch.FileDescriptor{URL: f.URL, Filename: f.Filename, Size: f.Size}
	}
	return out
}

// Client talks to the processing service.
type Client struct {
	// URL is the service root, without a trailing slash.
	URL string
	// Token is the Bearer token sent with every request.
	Token string
	// HTTPClient is used for requests. When nil, a client with a 30 s
	// timeout is used.
	HTTPClient *http.Client
	// Log defaults to logrus.StandardLogger().
	Log logrus.FieldLogger
}

// NewClient returns a processing-service client.
func NewClient(url, token string) *Client {
	return &Client{URL: strings.TrimRight(url, "/"), Token: token}
}

type submitRequest struct {
	Jobs []submitJob `json:"jobs"`
}

type submitJob struct {
	Name          string        `json:"name"`
	JobType       string        `json:"job_type"`
	JobParameters jobParameters `json:"job_parameters"`
}

type jobParameters struct {
	Granules                []string `json:"granules"`
	Looks                   string   `json:"looks"`
	IncludeLosDisplacement  bool     `json:"include_los_displacement"`
	IncludeDisplacementMaps bool     `json:"include_displacement_maps"`
}

type jobsResponse struct {
	Jobs []Job `json:"jobs"`
}

// Submit requests INSAR_GAMMA processing of the (reference, secondary)
// granule pair. A 4xx response means the service refused the job; the
// returned error wraps sarwatch.ErrUpstreamRejected and retains the
// service's message. 5xx and transport errors are returned as-is and may be
// retried by the caller.
func (c *Client) Submit(ctx context.Context, name, reference, secondary string) (*Job, error) {
	body, err := json.Marshal(submitRequest{Jobs: []submitJob{{
		Name:    name,
		JobType: "INSAR_GAMMA",
		JobParameters: jobParameters{
			Granules:                []string{reference, secondary},
			Looks:                   "20x4",
			IncludeLosDisplacement:  true,
			IncludeDisplacementMaps: true,
		},
	}}})
	if err != nil {
		return nil, fmt.Errorf("hyp3: encoding submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("hyp3: creating submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("hyp3: submitting job: %w", err)
	}
	defer resp.Body.Close()

	job, err := c.decodeJobs(resp, "submission")
	if err != nil {
		return nil, err
	}
	c.logger().WithFields(logrus.Fields{
		"upstream_id": job.ID,
		"reference":   reference,
		"secondary":   secondary,
	}).Info("hyp3: job submitted")
	return job, nil
}

// Status returns the current upstream state of a previously submitted job.
// An upstream ID the service does not know is reported as an error wrapping
// sarwatch.ErrUpstreamRejected, since retrying cannot help.
func (c *Client) Status(ctx context.Context, upstreamID string) (*Job, error) {
	u := c.URL + "/jobs?job_id=" + url.QueryEscape(upstreamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("hyp3: creating status request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("hyp3: querying job status: %w", err)
	}
	defer resp.Body.Close()
	return c.decodeJobs(resp, "status query")
}

// decodeJobs maps a service response to the first job it contains.
func (c *Client) decodeJobs(resp *http.Response, doing string) (*Job, error) {
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, fmt.Errorf("%w: %s", sarwatch.ErrUpstreamRejected, readDetail(resp.Body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hyp3: %s returned %s", doing, resp.Status)
	}
	var jr jobsResponse
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return nil, fmt.Errorf("hyp3: decoding %s response: %w", doing, err)
	}
	if len(jr.Jobs) == 0 {
		return nil, fmt.Errorf("%w: %s returned no jobs", sarwatch.ErrUpstreamRejected, doing)
	}
	return &jr.Jobs[0], nil
}

// readDetail extracts the service's error message, which it sends as
// {"detail": …}; unparseable bodies are passed through raw.
func readDetail(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 2048))
	var d struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &d); err == nil && d.Detail != "" {
		return d.Detail
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return "no detail provided"
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) logger() logrus.FieldLogger {
	if c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}
