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
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/ctessum/sparse"
)

// CompressionType selects the scheme used to compress written pixel data.
type CompressionType int

const (
	Uncompressed CompressionType = iota
	Deflate
)

// Image holds a band and its georeferencing for writing. Samples are
// written as 32-bit floats in a single strip.
type Image struct {
	// Data must have shape [rows][columns].
	Data                    *sparse.DenseArray
	OriginX, OriginY        float64
	PixelWidth, PixelHeight float64
	CRS                     CRS
	NoData                  *float64
	Compression             CompressionType
	// ByteOrder defaults to little-endian.
	ByteOrder binary.ByteOrder
}

// WriteFile writes img to the named file, creating or truncating it.
func WriteFile(filename string, img *Image) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("geotiff: creating %s: %w", filename, err)
	}
	if err := Write(f, img); err != nil {
		f.Close()
		return fmt.Errorf("geotiff: writing %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("geotiff: closing %s: %w", filename, err)
	}
	return nil
}

// Write encodes img as a single-band GeoTIFF.
func Write(w io.Writer, img *Image) error {
	if img.Data == nil || len(img.Data.Shape) != 2 {
		return fmt.Errorf("geotiff: image data must be a 2-d array")
	}
	h, wid := img.Data.Shape[0], img.Data.Shape[1]
	if h <= 0 || wid <= 0 {
		return fmt.Errorf("geotiff: empty image")
	}
	if img.PixelWidth <= 0 || img.PixelHeight <= 0 {
		return fmt.Errorf("geotiff: non-positive pixel size (%g, %g)", img.PixelWidth, img.PixelHeight)
	}
	if img.CRS.EPSG < 0 || img.CRS.EPSG > math.MaxUint16 {
		return fmt.Errorf("geotiff: EPSG code %d out of range", img.CRS.EPSG)
	}
	bo := img.ByteOrder
	if bo == nil {
		bo = binary.LittleEndian
	}

	// Pixel data, one strip.
	raw := make([]byte, 4*h*wid)
	for i, v := range img.Data.Elements {
		bo.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
	}
	data := raw
	code := uint16(compressionNone)
	if img.Compression == Deflate {
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		zw.Write(raw)
		if err := zw.Close(); err != nil {
			return fmt.Errorf("geotiff: compressing pixel data: %w", err)
		}
		data = zbuf.Bytes()
		code = compressionDeflate
	}

	scale := doubles(bo, img.PixelWidth, img.PixelHeight, 0)
	tie := doubles(bo, 0, 0, 0, img.OriginX, img.OriginY, 0)

	mt, epsgKey := uint16(modelProjected), uint16(keyProjectedCS)
	if img.CRS.Geographic {
		mt, epsgKey = modelGeographic, keyGeographicType
	}
	keys := shorts(bo,
		1, 1, 0, 3,
		keyModelType, 0, 1, mt,
		keyRasterType, 0, 1, 1, // pixel is area
		epsgKey, 0, 1, uint16(img.CRS.EPSG),
	)

	var nodata []byte
	if img.NoData != nil {
		s := strconv.FormatFloat(*img.NoData, 'g', -1, 64)
		if math.IsNaN(*img.NoData) {
			s = "nan"
		}
		nodata = append([]byte(s), 0)
		if len(nodata)%2 != 0 {
			nodata = append(nodata, 0)
		}
	}

	nEntries := 13
	if nodata != nil {
		nEntries++
	}
	ext := 8 + 2 + 12*nEntries + 4 // offset of the first out-of-line value
	scaleOff := ext
	tieOff := scaleOff + len(scale)
	keysOff := tieOff + len(tie)
	nodataOff := keysOff + len(keys)
	dataOff := nodataOff + len(nodata)

	short := func(v uint16) (b [4]byte) { bo.PutUint16(b[0:2], v); return }
	long := func(v uint32) (b [4]byte) { bo.PutUint32(b[:], v); return }

	type entry struct {
		tag, typ uint16
		count    uint32
		value    [4]byte
	}
	entries := []entry{
		{tagImageWidth, typeLong, 1, long(uint32(wid))},
		{tagImageLength, typeLong, 1, long(uint32(h))},
		{tagBitsPerSample, typeShort, 1, short(32)},
		{tagCompression, typeShort, 1, short(code)},
		{tagPhotometric, typeShort, 1, short(1)},
		{tagStripOffsets, typeLong, 1, long(uint32(dataOff))},
		{tagSamplesPerPixel, typeShort, 1, short(1)},
		{tagRowsPerStrip, typeLong, 1, long(uint32(h))},
		{tagStripByteCounts, typeLong, 1, long(uint32(len(data)))},
		{tagSampleFormat, typeShort, 1, short(sampleFloat)},
		{tagModelPixelScale, typeDouble, 3, long(uint32(scaleOff))},
		{tagModelTiepoint, typeDouble, 6, long(uint32(tieOff))},
		{tagGeoKeyDirectory, typeShort, 16, long(uint32(keysOff))},
	}
	if nodata != nil {
		entries = append(entries, entry{tagGDALNoData, typeASCII, uint32(len(nodata)), long(uint32(nodataOff))})
	}

	var buf bytes.Buffer
	if bo == binary.LittleEndian {
		buf.WriteString("II")
	} else {
		buf.WriteString("MM")
	}
	buf.Write(shorts(bo, 42))
	buf.Write(longs(bo, 8)) // the IFD follows the header directly
	buf.Write(shorts(bo, uint16(len(entries))))
	for _, e := range entries {
		buf.Write(shorts(bo, e.tag, e.typ))
		buf.Write(longs(bo, e.count))
		buf.Write(e.value[:])
	}
	buf.Write(longs(bo, 0)) // no further directories
	buf.Write(scale)
	buf.Write(tie)
	buf.Write(keys)
	buf.Write(nodata)
	buf.Write(data)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("geotiff: writing image: %w", err)
	}
	return nil
}

func shorts(bo binary.ByteOrder, vs ...uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		bo.PutUint16(b[2*i:], v)
	}
	return b
}

func longs(bo binary.ByteOrder, vs ...uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		bo.PutUint32(b[4*i:], v)
	}
	return b
}

func doubles(bo binary.ByteOrder, vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		bo.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}
