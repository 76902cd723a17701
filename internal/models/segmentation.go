package models

import (
	"fmt"
	"strings"
)

// PixelLocation is a pixel coordinate in raster space.
// (0,0) is the top-left pixel, X grows rightward and Y grows downward.
type PixelLocation struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Raster is one decoded single-channel image: a marker intensity image or a
// segmentation mask. Data is stored in row-major order, so the value for
// pixel (x, y) lives at Data[y*Width+x].
type Raster struct {
	// Width is the raster width in pixels
	Width int

	// Height is the raster height in pixels
	Height int

	// Data holds Width*Height values
	Data []float64
}

// Validate checks that the raster dimensions agree with its data length
func (r Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid raster dimensions %dx%d", r.Width, r.Height)
	}
	if len(r.Data) != r.Width*r.Height {
		return fmt.Errorf("raster data length %d does not match %dx%d", len(r.Data), r.Width, r.Height)
	}
	return nil
}

// Statistic names a per-segment intensity summary
type Statistic string

const (
	// Mean is the arithmetic average of a segment's pixel intensities
	Mean Statistic = "mean"

	// Median is the middle intensity (or average of the two middles)
	Median Statistic = "median"

	// Area is the pixel count of a segment. It does not depend on any marker
	// and is stored under the AreaFeature name.
	Area Statistic = "area"
)

// AreaFeature is the feature name the per-segment pixel count is stored under
const AreaFeature = "SegmentArea"

// AllStatistics lists every per-marker statistic kind in computation order
var AllStatistics = []Statistic{Mean, Median}

// PerMarker reports whether the statistic summarizes marker intensities
func (s Statistic) PerMarker() bool {
	return s == Mean || s == Median
}

// ParseStatistic converts a user-supplied name into a Statistic
func ParseStatistic(name string) (Statistic, error) {
	switch Statistic(strings.ToLower(strings.TrimSpace(name))) {
	case Mean:
		return Mean, nil
	case Median:
		return Median, nil
	case Area:
		return Area, nil
	}
	return "", fmt.Errorf("unknown statistic %q", name)
}

// MinMax is the value range of one statistic across all segments of a marker
type MinMax struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}
