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
	"errors"
	"fmt"
	"math"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/sarwatch"
	"github.com/spatialmodel/sarwatch/raster/geotiff"
)

// A Sampler turns the products of one finished job into per-point
// measurements.
type Sampler struct {
	Downloader *Downloader
	Config     sarwatch.SamplerConfig
	// Log defaults to logrus.StandardLogger().
	Log logrus.FieldLogger
}

// NewSampler returns a sampler that stores downloaded products under
// the downloader's working directory.
func NewSampler(d *Downloader, cfg sarwatch.SamplerConfig) *Sampler {
	return &Sampler{Downloader: d, Config: cfg}
}

// Sample downloads the job's vertical displacement raster (and coherence
// raster when published), samples both at every point, and returns one
// measurement per point that produced a value. Points outside the raster
// footprint or on fill pixels are left out rather than returned as nulls,
// as are points whose coherence is below the configured floor. Displacement
// is converted from meters to millimeters at 0.001 mm precision; the
// measurement date is the secondary acquisition date from the product file
// name.
//
// Errors wrapping sarwatch.ErrCorruptedRaster mean the products themselves
// are unusable and retrying cannot help.
func (s *Sampler) Sample(ctx context.Context, job *sarwatch.Job, points []sarwatch.Point) ([]sarwatch.Measurement, error) {
	var vertFile, corrFile *sarwatch.FileDescriptor
	for i := range job.Files {
		switch Classify(job.Files[i].Filename) {
		case KindVerticalDisplacement:
			vertFile = &job.Files[i]
		case KindCoherence:
			corrFile = &job.Files[i]
		}
	}
	if vertFile == nil {
		return nil, fmt.Errorf("raster: job %s published no vertical displacement product: %w",
			job.ID, sarwatch.ErrCorruptedRaster)
	}
	_, date, err := PairDates(vertFile.Filename)
	if err != nil {
		return nil, err
	}

	jobID := job.ID.String()
	vertPath, err := s.Downloader.Fetch(ctx, jobID, *vertFile)
	if err != nil {
		return nil, err
	}
	vert, err := s.openBand(vertPath)
	if err != nil {
		return nil, err
	}
	defer vert.Close()

	var corr *bandSource
	if corrFile != nil {
		corrPath, err := s.Downloader.Fetch(ctx, jobID, *corrFile)
		if err != nil {
			return nil, err
		}
		if corr, err = s.openBand(corrPath); err != nil {
			return nil, err
		}
		defer corr.Close()
	}

	var out []sarwatch.Measurement
	var noSample, lowCoherence int
	for _, pt := range points {
		v, ok, err := vert.value(pt.Lon, pt.Lat)
		if err != nil {
			return nil, corruptedErr(err)
		}
		if !ok || vert.fill(v) || math.IsInf(v, 0) {
			noSample++
			continue
		}
		m := sarwatch.Measurement{
			PointID:        pt.ID,
			Date:           date,
			DisplacementMM: sarwatch.RoundTo3(v * 1000),
		}
		if corr != nil {
			cv, cok, err := corr.value(pt.Lon, pt.Lat)
			if err != nil {
				return nil, corruptedErr(err)
			}
			// An unreadable coherence pixel keeps the row with a null
			// coherence; a readable one below the floor drops it.
			if cok && !corr.fill(cv) && !math.IsInf(cv, 0) {
				c := math.Min(math.Max(cv, 0), 1)
				if c < s.Config.MinCoherence {
					lowCoherence++
					continue
				}
				m.Coherence = &c
			}
		}
		out = append(out, m)
	}

	s.logger().WithFields(logrus.Fields{
		"job_id":        jobID,
		"date":          date.Format("2006-01-02"),
		"points":        len(points),
		"measurements":  len(out),
		"no_sample":     noSample,
		"low_coherence": lowCoherence,
	}).Info("raster: sampled job products")
	return out, nil
}

// Cleanup removes the job's downloaded products.
func (s *Sampler) Cleanup(jobID string) error {
	return s.Downloader.Cleanup(jobID)
}

// openBand opens one product for point sampling. Bands within the
// configured byte budget are decoded once up front; larger ones are read
// pixel by pixel through windowed reads.
func (s *Sampler) openBand(path string) (*bandSource, error) {
	r, err := geotiff.Open(path)
	if err != nil {
		return nil, corruptedErr(err)
	}
	pj, err := newProjector(r.CRS)
	if err != nil {
		r.Close()
		return nil, corruptedErr(err)
	}
	b := &bandSource{r: r, proj: pj}
	maxBytes := s.Config.MaxRasterBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	if r.BandBytes() <= maxBytes {
		if b.band, err = r.ReadBand(); err != nil {
			r.Close()
			return nil, corruptedErr(err)
		}
	}
	return b, nil
}

// A bandSource reads single pixels from one open product.
type bandSource struct {
	r    *geotiff.Reader
	proj *projector
	band *sparse.DenseArray // nil when reading windowed
}

// value samples the pixel containing the WGS84 point, reporting ok=false
// for points outside the raster.
func (b *bandSource) value(lon, lat float64) (v float64, ok bool, err error) {
	px, py, ok := b.proj.pixel(&b.r.Raster, lon, lat)
	if !ok {
		return 0, false, nil
	}
	if b.band != nil {
		return b.band.Get(py, px), true, nil
	}
	w, err := b.r.ReadWindow(px, py, 1, 1)
	if err != nil {
		return 0, false, err
	}
	return w.Elements[0], true, nil
}

// fill reports whether v is a fill value: the raster's declared fill value
// first, then NaN, then the bare -9999 sentinel.
func (b *bandSource) fill(v float64) bool {
	if nd := b.r.NoData; nd != nil {
		if math.IsNaN(*nd) && math.IsNaN(v) {
			return true
		}
		if v == *nd {
			return true
		}
	}
	return math.IsNaN(v) || v == -9999
}

func (b *bandSource) Close() error { return b.r.Close() }

func corruptedErr(err error) error {
	if errors.Is(err, sarwatch.ErrCorruptedRaster) {
		return err
	}
	return fmt.Errorf("%w: %v", sarwatch.ErrCorruptedRaster, err)
}

func (s *Sampler) logger() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}
