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

package raster

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/sarwatch"
)

// A Downloader fetches upstream product files into a local working
// directory, one subdirectory per job.
type Downloader struct {
	// Dir is the root of the working directory.
	Dir string
	// Timeout bounds one file download including its retries. Zero means
	// 10 minutes.
	Timeout time.Duration
	// MaxRetries is the number of retries after a failed attempt.
	// Zero means 3.
	MaxRetries int
	// RetryInitialInterval overrides the initial delay between retries
	// when positive. Mainly useful in tests.
	RetryInitialInterval time.Duration
	// HTTPClient is used for http and https product URLs. When nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// Log defaults to logrus.StandardLogger().
	Log logrus.FieldLogger
}

// Fetch downloads one product file and returns its local path. A file that
// already exists locally with the advertised size is reused, so that a
// poll step interrupted after downloading does not transfer it again.
func (d *Downloader) Fetch(ctx context.Context, jobID string, f sarwatch.FileDescriptor) (string, error) {
	if d.Dir == "" {
		return "", fmt.Errorf("raster: downloader has no working directory")
	}
	name := filepath.Base(f.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("raster: unusable product file name %q", f.Filename)
	}
	dest := filepath.Join(d.Dir, jobID, name)
	if st, err := os.Stat(dest); err == nil && (f.Size <= 0 || st.Size() == f.Size) {
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("raster: creating job directory: %w", err)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	retries := d.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	op := func() error { return d.fetchOnce(ctx, f.URL, dest) }
	notify := func(err error, delay time.Duration) {
		d.logger().WithFields(logrus.Fields{
			"url":   f.URL,
			"delay": delay,
		}).Warnf("raster: download failed: %v; retrying", err)
	}
	bo := backoff.NewExponentialBackOff()
	if d.RetryInitialInterval > 0 {
		bo.InitialInterval = d.RetryInitialInterval
	}
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", fmt.Errorf("raster: downloading %s: %w", f.URL, err)
	}
	return dest, nil
}

// Cleanup removes the working directory of one job.
func (d *Downloader) Cleanup(jobID string) error {
	if d.Dir == "" || jobID == "" || strings.ContainsRune(jobID, filepath.Separator) {
		return fmt.Errorf("raster: refusing to clean up job directory %q/%q", d.Dir, jobID)
	}
	if err := os.RemoveAll(filepath.Join(d.Dir, jobID)); err != nil {
		return fmt.Errorf("raster: cleaning up job %s: %w", jobID, err)
	}
	return nil
}

// fetchOnce transfers the object at rawURL to dest in one attempt. The
// file is written next to its final name and renamed into place so a
// partial transfer is never mistaken for a product.
func (d *Downloader) fetchOnce(ctx context.Context, rawURL, dest string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("parsing URL: %w", err))
	}
	var src io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		src, err = d.openHTTP(ctx, rawURL)
	default:
		src, err = d.openBlob(ctx, rawURL)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	part := dest + ".part"
	w, err := os.Create(part)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating %s: %w", part, err))
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		os.Remove(part)
		return fmt.Errorf("copying to %s: %w", part, err)
	}
	if err := w.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("closing %s: %w", part, err)
	}
	return os.Rename(part, dest)
}

func (d *Downloader) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	c := d.HTTPClient
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("GET %s: %s", rawURL, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return resp.Body, nil
}

func (d *Downloader) openBlob(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	bucket, key, err := openObject(ctx, rawURL)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return &blobReader{ReadCloser: r, bucket: bucket}, nil
}

// blobReader closes its bucket along with the object reader.
type blobReader struct {
	io.ReadCloser
	bucket io.Closer
}

func (r *blobReader) Close() error {
	err := r.ReadCloser.Close()
	if berr := r.bucket.Close(); err == nil {
		err = berr
	}
	return err
}

func (d *Downloader) logger() logrus.FieldLogger {
	if d.Log != nil {
		return d.Log
	}
	return logrus.StandardLogger()
}
