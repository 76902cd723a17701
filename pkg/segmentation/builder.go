// Package segmentation derives per-segment index structures from a labeled
// raster: which pixels belong to which segment, each segment's outline polygon
// and its centroid. It also persists those structures next to the source mask
// so that a reload can skip the derivation.
package segmentation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"

	"segmentcore/internal/models"
)

var (
	// ErrInvalidRaster is returned for malformed label input
	ErrInvalidRaster = errors.New("invalid segmentation raster")

	// ErrDimensionMismatch is returned when a marker raster and the
	// segmentation raster disagree on width or height
	ErrDimensionMismatch = errors.New("segmentation dimensions do not match image")
)

// Data holds the structures derived from one segmentation mask.
//
// Every segment id in SegmentIndexMap has exactly one entry in CentroidMap and
// SegmentOutlineMap. The index lists partition the non-zero positions of
// PixelLabels. Data is immutable once built and safe for concurrent reads.
type Data struct {
	// Width and Height are the raster dimensions
	Width  int
	Height int

	// PixelLabels is the raw mask, 0 for background
	PixelLabels []int32

	// PixelMap maps a PixelMapKey to the segment occupying that pixel.
	// Background pixels are absent.
	PixelMap map[string]int32

	// SegmentIndexMap maps a segment id to its flat pixel indices in ascending order
	SegmentIndexMap map[int32][]int

	// SegmentLocationMap maps a segment id to its pixel coordinates, parallel
	// to SegmentIndexMap
	SegmentLocationMap map[int32][]models.PixelLocation

	// SegmentOutlineMap maps a segment id to its outline polygon
	SegmentOutlineMap map[int32][]models.PixelLocation

	// CentroidMap maps a segment id to the rounded mean of its coordinates
	CentroidMap map[int32]models.PixelLocation

	ids []int32

	centroidOnce sync.Once
	centroidTree *kdtree.Tree
}

// PixelMapKey formats the PixelMap key for pixel (x, y)
func PixelMapKey(x, y int) string {
	return strconv.Itoa(x) + "_" + strconv.Itoa(y)
}

// Build derives the segmentation structures from a flat label array.
//
// The labels are copied; the caller's slice is never modified. A raster that
// contains only background produces empty maps without error.
//
// Parameters:
//   - labels: row-major segment ids, 0 for background
//   - width, height: raster dimensions; len(labels) must equal width*height
//   - opts: outline construction options
func Build(labels []int32, width, height int, opts HullOptions) (*Data, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidRaster, width, height)
	}
	if len(labels) != width*height {
		return nil, fmt.Errorf("%w: %d labels for %dx%d raster", ErrInvalidRaster, len(labels), width, height)
	}

	pixels := make([]int32, len(labels))
	copy(pixels, labels)

	d := &Data{
		Width:       width,
		Height:      height,
		PixelLabels: pixels,
	}
	if err := d.indexPixels(); err != nil {
		return nil, err
	}
	d.deriveGeometry(opts)
	return d, nil
}

// BuildFromRaster converts a decoded mask into labels and builds from them.
// Non-integer or negative values are rejected.
func BuildFromRaster(r models.Raster, opts HullOptions) (*Data, error) {
	labels, err := LabelsFromRaster(r)
	if err != nil {
		return nil, err
	}
	return Build(labels, r.Width, r.Height, opts)
}

// LabelsFromRaster converts decoded mask values into segment ids
func LabelsFromRaster(r models.Raster) ([]int32, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRaster, err)
	}

	labels := make([]int32, len(r.Data))
	for i, v := range r.Data {
		if v < 0 || v > math.MaxInt32 || v != math.Trunc(v) {
			return nil, fmt.Errorf("%w: pixel %d has label %g", ErrInvalidRaster, i, v)
		}
		labels[i] = int32(v)
	}
	return labels, nil
}

// ValidateDimensions checks that a co-registered raster matches the mask
func (d *Data) ValidateDimensions(width, height int) error {
	if d.Width != width || d.Height != height {
		return fmt.Errorf("%w: segmentation is %dx%d, image is %dx%d",
			ErrDimensionMismatch, d.Width, d.Height, width, height)
	}
	return nil
}

// SegmentIDs returns every segment id in ascending order
func (d *Data) SegmentIDs() []int32 {
	out := make([]int32, len(d.ids))
	copy(out, d.ids)
	return out
}

// NumSegments returns the number of distinct segments
func (d *Data) NumSegments() int {
	return len(d.ids)
}

// indexPixels is the single linear pass that fills PixelMap,
// SegmentIndexMap and SegmentLocationMap
func (d *Data) indexPixels() error {
	d.PixelMap = make(map[string]int32)
	d.SegmentIndexMap = make(map[int32][]int)
	d.SegmentLocationMap = make(map[int32][]models.PixelLocation)

	for i, segmentID := range d.PixelLabels {
		if segmentID == 0 {
			continue
		}
		if segmentID < 0 {
			return fmt.Errorf("%w: pixel %d has label %d", ErrInvalidRaster, i, segmentID)
		}

		// Flat index to x, y: remainder gives x, quotient gives y
		x := i % d.Width
		y := i / d.Width

		d.PixelMap[PixelMapKey(x, y)] = segmentID
		d.SegmentLocationMap[segmentID] = append(d.SegmentLocationMap[segmentID], models.PixelLocation{X: x, Y: y})
		d.SegmentIndexMap[segmentID] = append(d.SegmentIndexMap[segmentID], i)
	}

	d.refreshIDs()
	return nil
}

// deriveGeometry computes the outline and centroid of every segment
func (d *Data) deriveGeometry(opts HullOptions) {
	d.SegmentOutlineMap = make(map[int32][]models.PixelLocation, len(d.ids))
	d.CentroidMap = make(map[int32]models.PixelLocation, len(d.ids))
	for _, id := range d.ids {
		locations := d.SegmentLocationMap[id]
		d.CentroidMap[id] = Centroid(locations)
		d.SegmentOutlineMap[id] = ConcaveHull(locations, opts)
	}
}

func (d *Data) refreshIDs() {
	d.ids = make([]int32, 0, len(d.SegmentIndexMap))
	for id := range d.SegmentIndexMap {
		d.ids = append(d.ids, id)
	}
	sort.Slice(d.ids, func(i, j int) bool { return d.ids[i] < d.ids[j] })
}

// Centroid returns the mean of the locations rounded half up to whole pixels
func Centroid(locations []models.PixelLocation) models.PixelLocation {
	if len(locations) == 0 {
		return models.PixelLocation{}
	}
	var xSum, ySum float64
	for _, loc := range locations {
		xSum += float64(loc.X)
		ySum += float64(loc.Y)
	}
	n := float64(len(locations))
	return models.PixelLocation{
		X: int(math.Floor(xSum/n + 0.5)),
		Y: int(math.Floor(ySum/n + 0.5)),
	}
}
