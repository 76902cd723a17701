package segmentation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"segmentcore/internal/models"
)

// ErrCacheMiss is returned when no usable optimized artifact exists
var ErrCacheMiss = errors.New("optimized segmentation cache miss")

// cacheSuffix is appended to the segmentation file path
const cacheSuffix = ".optimized.json.zst"

// cacheArtifact is the on-disk record. Outline and centroid maps may be absent
// in artifacts written before those fields existed.
type cacheArtifact struct {
	Width              int                              `json:"width"`
	Height             int                              `json:"height"`
	PixelData          []int32                          `json:"pixelData"`
	PixelMap           map[string]int32                 `json:"pixelMap,omitempty"`
	SegmentLocationMap map[int32][]models.PixelLocation `json:"segmentLocationMap,omitempty"`
	SegmentIndexMap    map[int32][]int                  `json:"segmentIndexMap,omitempty"`
	SegmentOutlineMap  map[int32][]models.PixelLocation `json:"segmentOutlineMap,omitempty"`
	CentroidMap        map[int32]models.PixelLocation   `json:"centroidMap,omitempty"`
}

// CachePath returns the optimized artifact path for a segmentation file
func CachePath(segmentationPath string) string {
	return segmentationPath + cacheSuffix
}

// WriteCache serializes d to path. The artifact is written to a temporary
// file in the same directory and renamed into place.
func WriteCache(path string, d *Data) error {
	artifact := cacheArtifact{
		Width:              d.Width,
		Height:             d.Height,
		PixelData:          d.PixelLabels,
		PixelMap:           d.PixelMap,
		SegmentLocationMap: d.SegmentLocationMap,
		SegmentIndexMap:    d.SegmentIndexMap,
		SegmentOutlineMap:  d.SegmentOutlineMap,
		CentroidMap:        d.CentroidMap,
	}
	return writeArtifact(path, &artifact)
}

func writeArtifact(path string, artifact *cacheArtifact) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	encoder, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		cleanup()
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if err := json.NewEncoder(encoder).Encode(artifact); err != nil {
		encoder.Close()
		cleanup()
		return fmt.Errorf("encode cache artifact: %w", err)
	}
	if err := encoder.Close(); err != nil {
		cleanup()
		return fmt.Errorf("flush cache artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install cache file: %w", err)
	}
	return nil
}

// ReadCache loads an optimized artifact and checks it against the dimensions
// of the image currently being loaded. Missing index maps are rebuilt from the
// stored pixel data; missing outline or centroid maps are recomputed alone.
//
// Any failure wraps ErrCacheMiss so callers can fall back to a full build.
func ReadCache(path string, width, height int, opts HullOptions) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	defer f.Close()

	decoder, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: create zstd decoder: %v", ErrCacheMiss, err)
	}
	defer decoder.Close()

	var artifact cacheArtifact
	if err := json.NewDecoder(decoder).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("%w: decode artifact: %v", ErrCacheMiss, err)
	}

	if artifact.Width != width || artifact.Height != height {
		return nil, fmt.Errorf("%w: artifact is %dx%d, image is %dx%d",
			ErrCacheMiss, artifact.Width, artifact.Height, width, height)
	}
	if len(artifact.PixelData) != width*height {
		return nil, fmt.Errorf("%w: artifact holds %d pixels for %dx%d",
			ErrCacheMiss, len(artifact.PixelData), width, height)
	}

	d := &Data{
		Width:              artifact.Width,
		Height:             artifact.Height,
		PixelLabels:        artifact.PixelData,
		PixelMap:           artifact.PixelMap,
		SegmentIndexMap:    artifact.SegmentIndexMap,
		SegmentLocationMap: artifact.SegmentLocationMap,
		SegmentOutlineMap:  artifact.SegmentOutlineMap,
		CentroidMap:        artifact.CentroidMap,
	}

	if !d.indexesConsistent() {
		if err := d.indexPixels(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
		}
		// Geometry derived from stale indexes cannot be trusted
		d.SegmentOutlineMap = nil
		d.CentroidMap = nil
	} else {
		d.refreshIDs()
	}

	d.completeGeometry(opts)
	return d, nil
}

// completeGeometry derives the outline and centroid of every segment the
// stored maps miss and drops entries for ids that no longer exist, so that
// each segment ends up with exactly one of each
func (d *Data) completeGeometry(opts HullOptions) {
	if d.SegmentOutlineMap == nil {
		d.SegmentOutlineMap = make(map[int32][]models.PixelLocation, len(d.ids))
	}
	if d.CentroidMap == nil {
		d.CentroidMap = make(map[int32]models.PixelLocation, len(d.ids))
	}

	for id := range d.SegmentOutlineMap {
		if _, ok := d.SegmentIndexMap[id]; !ok {
			delete(d.SegmentOutlineMap, id)
		}
	}
	for id := range d.CentroidMap {
		if _, ok := d.SegmentIndexMap[id]; !ok {
			delete(d.CentroidMap, id)
		}
	}

	for _, id := range d.ids {
		locations := d.SegmentLocationMap[id]
		if _, ok := d.SegmentOutlineMap[id]; !ok {
			d.SegmentOutlineMap[id] = ConcaveHull(locations, opts)
		}
		if _, ok := d.CentroidMap[id]; !ok {
			d.CentroidMap[id] = Centroid(locations)
		}
	}
}

// indexesConsistent reports whether the stored index maps are present and
// agree with each other
func (d *Data) indexesConsistent() bool {
	if d.PixelMap == nil || d.SegmentIndexMap == nil || d.SegmentLocationMap == nil {
		return false
	}
	if len(d.SegmentIndexMap) != len(d.SegmentLocationMap) {
		return false
	}
	total := 0
	for id, indexes := range d.SegmentIndexMap {
		if len(d.SegmentLocationMap[id]) != len(indexes) {
			return false
		}
		total += len(indexes)
	}
	return total == len(d.PixelMap)
}

// LoadOptions controls LoadOrBuild
type LoadOptions struct {
	// Hull tunes outline construction
	Hull HullOptions

	// UseCache enables reading and writing the optimized artifact
	UseCache bool
}

// LoadOrBuild returns the segmentation structures for a mask file.
//
// When caching is enabled and a valid artifact exists it is used and decode is
// never called. Otherwise the mask is decoded, built, and (with caching
// enabled) written back. Cache problems are logged and never fatal.
//
// Parameters:
//   - path: segmentation file path; the artifact lives at CachePath(path)
//   - width, height: dimensions of the co-registered marker images
//   - decode: decodes the mask on a cache miss
//
// Returns:
//   - the structures, whether they came from the cache, and any build error
func LoadOrBuild(path string, width, height int, decode func() (models.Raster, error), opts LoadOptions, log zerolog.Logger) (*Data, bool, error) {
	cachePath := CachePath(path)

	if opts.UseCache {
		d, err := ReadCache(cachePath, width, height, opts.Hull)
		if err == nil {
			log.Debug().Str("path", cachePath).Int("segments", d.NumSegments()).Msg("loaded optimized segmentation")
			return d, true, nil
		}
		log.Debug().Err(err).Str("path", cachePath).Msg("optimized segmentation unavailable, rebuilding")
	}

	raster, err := decode()
	if err != nil {
		return nil, false, fmt.Errorf("decode segmentation %s: %w", path, err)
	}
	if raster.Width != width || raster.Height != height {
		return nil, false, fmt.Errorf("%w: segmentation is %dx%d, image is %dx%d",
			ErrDimensionMismatch, raster.Width, raster.Height, width, height)
	}

	d, err := BuildFromRaster(raster, opts.Hull)
	if err != nil {
		return nil, false, fmt.Errorf("build segmentation %s: %w", path, err)
	}

	if opts.UseCache {
		if err := WriteCache(cachePath, d); err != nil {
			log.Warn().Err(err).Str("path", cachePath).Msg("failed to write optimized segmentation")
		}
	}

	log.Debug().Str("path", path).Int("segments", d.NumSegments()).Msg("built segmentation")
	return d, false, nil
}
