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

// Package asf queries a granule catalog shaped like the Alaska Satellite
// Facility search API for Sentinel-1 SLC acquisitions.
package asf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	requestcache "github.com/ctessum/requestcache/v2"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/sarwatch"
)

// DefaultURL is the public catalog search endpoint.
const DefaultURL = "https://api.daac.asf.alaska.edu/services/search/param"

// Client searches the granule catalog. The zero value plus a URL is usable;
// identical searches within one process are deduplicated and served from an
// in-memory cache.
type Client struct {
	// URL is the search endpoint; DefaultURL when empty.
	URL string
	// HTTPClient is used for requests. When nil, a client with a 30 s
	// timeout is used.
	HTTPClient *http.Client
	// MaxRetries is the number of retries after a failed query (default 3).
	MaxRetries int
	// RetryInitialInterval is the first backoff delay (default 500 ms).
	RetryInitialInterval time.Duration
	// Log receives retry notices; logrus.StandardLogger() when nil.
	Log logrus.FieldLogger

	cacheOnce sync.Once
	cache     *requestcache.Cache
}

// NewClient returns a catalog client for the given endpoint. An empty url
// selects DefaultURL.
func NewClient(url string) *Client {
	return &Client{URL: url}
}

// SearchGranules returns the Sentinel-1 SLC granules acquired in IW beam
// mode whose footprints intersect the AOI bounding box within the window.
// It implements sarwatch.CatalogSearcher. Failed queries are retried with
// exponential backoff; exhaustion returns an error wrapping
// sarwatch.ErrCatalogUnavailable.
func (c *Client) SearchGranules(ctx context.Context, aoi geom.Polygon, window sarwatch.DateWindow) ([]sarwatch.Granule, error) {
	b := aoi.Bounds()
	q := url.Values{}
	q.Set("platform", "SENTINEL-1")
	q.Set("processingLevel", "SLC")
	q.Set("beamMode", "IW")
	q.Set("bbox", fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.Min.X, b.Min.Y, b.Max.X, b.Max.Y))
	q.Set("start", window.Start.UTC().Format(time.RFC3339))
	q.Set("end", window.End.UTC().Format(time.RFC3339))
	q.Set("output", "geojson")

	c.cacheOnce.Do(func() {
		c.cache = requestcache.NewCache(runtime.GOMAXPROCS(-1),
			requestcache.Deduplicate(), requestcache.Memory(100))
	})
	req := c.cache.NewRequest(ctx, &searchRequest{c: c, query: q.Encode()})
	result, err := req.Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sarwatch.ErrCatalogUnavailable, err)
	}
	return result.([]sarwatch.Granule), nil
}

// searchRequest is one catalog query; its key is the encoded query string,
// which url.Values renders in a deterministic order.
type searchRequest struct {
	c     *Client
	query string
}

func (r *searchRequest) Key() string { return "asf_search_" + r.query }

func (r *searchRequest) Run(ctx context.Context) (interface{}, error) {
	var granules []sarwatch.Granule
	bo := backoff.NewExponentialBackOff()
	if r.c.RetryInitialInterval > 0 {
		bo.InitialInterval = r.c.RetryInitialInterval
	}
	retries := r.c.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	err := backoff.RetryNotify(
		func() error {
			var err error
			granules, err = r.c.fetch(ctx, r.query)
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx),
		func(err error, d time.Duration) {
			r.c.logger().WithFields(logrus.Fields{
				"delay": d,
			}).Warnf("asf: catalog query failed: %v; retrying", err)
		},
	)
	if err != nil {
		return nil, err
	}
	return granules, nil
}

func (c *Client) fetch(ctx context.Context, query string) ([]sarwatch.Granule, error) {
	endpoint := c.URL
	if endpoint == "" {
		endpoint = DefaultURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("asf: creating catalog request: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("asf: querying catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("asf: catalog returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return decodeSearchResponse(resp.Body)
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

// catalogInt absorbs the catalog's habit of quoting numbers.
type catalogInt int

func (n *catalogInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("asf: parsing %q as an integer: %w", s, err)
	}
	*n = catalogInt(v)
	return nil
}

type searchFeature struct {
	Geometry   json.RawMessage `json:"geometry"`
	Properties struct {
		SceneName       string     `json:"sceneName"`
		StartTime       string     `json:"startTime"`
		StopTime        string     `json:"stopTime"`
		PathNumber      catalogInt `json:"pathNumber"`
		FrameNumber     catalogInt `json:"frameNumber"`
		FlightDirection string     `json:"flightDirection"`
		Polarization    string     `json:"polarization"`
	} `json:"properties"`
}

func decodeSearchResponse(r io.Reader) ([]sarwatch.Granule, error) {
	var fc struct {
		Features []searchFeature `json:"features"`
	}
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, fmt.Errorf("asf: decoding catalog response: %w", err)
	}
	granules := make([]sarwatch.Granule, 0, len(fc.Features))
	for _, f := range fc.Features {
		g, err := granuleFromFeature(f)
		if err != nil {
			return nil, err
		}
		granules = append(granules, g)
	}
	return granules, nil
}

func granuleFromFeature(f searchFeature) (sarwatch.Granule, error) {
	start, err := parseCatalogTime(f.Properties.StartTime)
	if err != nil {
		return sarwatch.Granule{}, fmt.Errorf("asf: granule %s: %w", f.Properties.SceneName, err)
	}
	stop, err := parseCatalogTime(f.Properties.StopTime)
	if err != nil {
		return sarwatch.Granule{}, fmt.Errorf("asf: granule %s: %w", f.Properties.SceneName, err)
	}
	footprint, err := decodeFootprint(f.Geometry)
	if err != nil {
		return sarwatch.Granule{}, fmt.Errorf("asf: granule %s: %w", f.Properties.SceneName, err)
	}
	return sarwatch.Granule{
		Name:            f.Properties.SceneName,
		StartTime:       start,
		StopTime:        stop,
		Path:            int(f.Properties.PathNumber),
		Frame:           int(f.Properties.FrameNumber),
		FlightDirection: f.Properties.FlightDirection,
		Polarization:    f.Properties.Polarization,
		Footprint:       footprint,
	}, nil
}

// parseCatalogTime handles the catalog's timestamp spellings: RFC3339 with
// or without sub-seconds, and the zone-less ISO form (taken as UTC).
func parseCatalogTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000000",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("asf: unparseable timestamp %q", s)
}

func decodeFootprint(raw json.RawMessage) (geom.Polygon, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("asf: granule has no footprint geometry")
	}
	g, err := geojson.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("asf: decoding footprint: %w", err)
	}
	switch poly := g.(type) {
	case geom.Polygon:
		return poly, nil
	case geom.MultiPolygon:
		if len(poly) > 0 {
			return poly[0], nil
		}
	}
	return nil, fmt.Errorf("asf: footprint is %T, not a polygon", g)
}
