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

package geotiff

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/sparse"
)

// testBand builds a rows×cols array with value (r*10+c)/4 at (r, c), which
// is exactly representable as float32.
func testBand(rows, cols int) *sparse.DenseArray {
	a := sparse.ZerosDense(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			a.Set(float64(r*10+c)/4, r, c)
		}
	}
	return a
}

func testImage(rows, cols int) *Image {
	return &Image{
		Data:        testBand(rows, cols),
		OriginX:     2.33,
		OriginY:     48.87,
		PixelWidth:  0.0001,
		PixelHeight: 0.0001,
		CRS:         CRS{Geographic: true, EPSG: 4326},
	}
}

// writeRead encodes img and parses it back without touching the filesystem.
func writeRead(t *testing.T, img *Image) *Reader {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, img); err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func compareBands(t *testing.T, got, want *sparse.DenseArray) {
	t.Helper()
	if len(got.Shape) != 2 || got.Shape[0] != want.Shape[0] || got.Shape[1] != want.Shape[1] {
		t.Fatalf("shape = %v; want %v", got.Shape, want.Shape)
	}
	for i, w := range want.Elements {
		g := got.Elements[i]
		if math.IsNaN(w) {
			if !math.IsNaN(g) {
				t.Errorf("element %d = %g; want NaN", i, g)
			}
			continue
		}
		if g != w {
			t.Errorf("element %d = %g; want %g", i, g, w)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	img := testImage(4, 5)
	img.Data.Set(math.NaN(), 1, 2)
	img.Data.Set(-9999, 2, 0)
	nd := -9999.0
	img.NoData = &nd

	r := writeRead(t, img)
	if r.Width != 5 || r.Height != 4 {
		t.Errorf("size = %dx%d; want 5x4", r.Width, r.Height)
	}
	if r.OriginX != 2.33 || r.OriginY != 48.87 {
		t.Errorf("origin = (%g, %g); want (2.33, 48.87)", r.OriginX, r.OriginY)
	}
	if r.PixelWidth != 0.0001 || r.PixelHeight != 0.0001 {
		t.Errorf("pixel size = (%g, %g); want (0.0001, 0.0001)", r.PixelWidth, r.PixelHeight)
	}
	if !r.CRS.Geographic || r.CRS.EPSG != 4326 {
		t.Errorf("CRS = %+v; want geographic 4326", r.CRS)
	}
	if r.NoData == nil || *r.NoData != -9999 {
		t.Errorf("NoData = %v; want -9999", r.NoData)
	}
	if got, want := r.BandBytes(), int64(4*5*4); got != want {
		t.Errorf("BandBytes = %d; want %d", got, want)
	}

	band, err := r.ReadBand()
	if err != nil {
		t.Fatal(err)
	}
	compareBands(t, band, img.Data)
}

func TestRoundTripBigEndian(t *testing.T) {
	img := testImage(3, 3)
	img.ByteOrder = binary.BigEndian
	r := writeRead(t, img)
	band, err := r.ReadBand()
	if err != nil {
		t.Fatal(err)
	}
	compareBands(t, band, img.Data)
}

func TestRoundTripDeflate(t *testing.T) {
	img := testImage(16, 9)
	img.Compression = Deflate
	r := writeRead(t, img)
	band, err := r.ReadBand()
	if err != nil {
		t.Fatal(err)
	}
	compareBands(t, band, img.Data)
}

func TestRoundTripProjected(t *testing.T) {
	img := &Image{
		Data:        testBand(2, 2),
		OriginX:     452000,
		OriginY:     5412000,
		PixelWidth:  80,
		PixelHeight: 80,
		CRS:         CRS{EPSG: 32631},
	}
	r := writeRead(t, img)
	if r.CRS.Geographic {
		t.Error("CRS reported geographic; want projected")
	}
	if r.CRS.EPSG != 32631 {
		t.Errorf("EPSG = %d; want 32631", r.CRS.EPSG)
	}
	if r.OriginX != 452000 || r.OriginY != 5412000 {
		t.Errorf("origin = (%g, %g); want (452000, 5412000)", r.OriginX, r.OriginY)
	}
}

func TestNoDataNaN(t *testing.T) {
	img := testImage(2, 2)
	nd := math.NaN()
	img.NoData = &nd
	r := writeRead(t, img)
	if r.NoData == nil || !math.IsNaN(*r.NoData) {
		t.Errorf("NoData = %v; want NaN", r.NoData)
	}
}

func TestReadWindow(t *testing.T) {
	rows, cols := 8, 10
	img := &Image{
		Data:        sparse.ZerosDense(rows, cols),
		OriginX:     0,
		OriginY:     1,
		PixelWidth:  0.1,
		PixelHeight: 0.1,
		CRS:         CRS{Geographic: true, EPSG: 4326},
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			img.Data.Set(float64(r*100+c), r, c)
		}
	}
	r := writeRead(t, img)

	win, err := r.ReadWindow(3, 2, 4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if win.Shape[0] != 5 || win.Shape[1] != 4 {
		t.Fatalf("window shape = %v; want [5 4]", win.Shape)
	}
	for wr := 0; wr < 5; wr++ {
		for wc := 0; wc < 4; wc++ {
			want := float64((wr+2)*100 + wc + 3)
			if got := win.Get(wr, wc); got != want {
				t.Errorf("window (%d,%d) = %g; want %g", wr, wc, got, want)
			}
		}
	}

	for _, bad := range [][4]int{
		{-1, 0, 2, 2},
		{0, -1, 2, 2},
		{9, 0, 2, 2},
		{0, 7, 2, 2},
		{8, 6, 3, 2},
		{0, 0, 0, 1},
	} {
		if _, err := r.ReadWindow(bad[0], bad[1], bad[2], bad[3]); err == nil {
			t.Errorf("window %v: want error", bad)
		}
	}
}

func TestWriteFileAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.tif")
	img := testImage(6, 4)
	if err := WriteFile(path, img); err != nil {
		t.Fatal(err)
	}
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	band, err := r.ReadBand()
	if err != nil {
		t.Fatal(err)
	}
	compareBands(t, band, img.Data)
}

func TestOpenRejectsGarbage(t *testing.T) {
	if _, err := NewReader(bytes.NewReader([]byte("GIF89a not a tiff at all"))); err == nil {
		t.Error("want error for non-TIFF input")
	}
	path := filepath.Join(t.TempDir(), "missing.tif")
	if _, err := Open(path); err == nil {
		t.Error("want error for missing file")
	}
	truncated := filepath.Join(t.TempDir(), "short.tif")
	if err := os.WriteFile(truncated, []byte("II*\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(truncated); err == nil {
		t.Error("want error for truncated file")
	}
}
