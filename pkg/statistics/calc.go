// Package statistics computes per-segment intensity summaries for every marker
// of an image set and keeps them queryable while jobs are still landing.
package statistics

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"segmentcore/internal/models"
)

// Mean returns the arithmetic average of values, NaN when empty
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return stat.Mean(values, nil)
}

// Median returns the middle value, or the average of the two middle values
// for even counts. NaN when empty. values is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Summarize applies the statistic to values. Areas add up.
func Summarize(statistic models.Statistic, values []float64) (float64, error) {
	switch statistic {
	case models.Mean:
		return Mean(values), nil
	case models.Median:
		return Median(values), nil
	case models.Area:
		return floats.Sum(values), nil
	}
	return 0, fmt.Errorf("unsupported statistic %q", statistic)
}

// Job computes one statistic of one marker for every segment
type Job struct {
	ImageSet  string
	Marker    string
	Statistic models.Statistic

	// Intensities is the marker raster in row-major order. Area jobs leave
	// it empty.
	Intensities []float64

	// Segments maps a segment id to its flat pixel indices
	Segments map[int32][]int
}

// Result holds the per-segment values produced by a Job
type Result struct {
	ImageSet  string
	Marker    string
	Statistic models.Statistic
	Values    map[int32]float64
	MinMax    models.MinMax
}

// Compute runs a job over all of its segments.
// An index outside the intensity array fails the whole job.
func Compute(job Job) (Result, error) {
	res := Result{
		ImageSet:  job.ImageSet,
		Marker:    job.Marker,
		Statistic: job.Statistic,
		Values:    make(map[int32]float64, len(job.Segments)),
	}
	if _, err := Summarize(job.Statistic, nil); err != nil {
		return res, err
	}

	var buf []float64
	all := make([]float64, 0, len(job.Segments))
	for segmentID, indexes := range job.Segments {
		if len(indexes) == 0 {
			continue
		}
		if job.Statistic == models.Area {
			v := float64(len(indexes))
			res.Values[segmentID] = v
			all = append(all, v)
			continue
		}

		buf = buf[:0]
		for _, i := range indexes {
			if i < 0 || i >= len(job.Intensities) {
				return res, fmt.Errorf("marker %s: segment %d index %d outside %d pixels",
					job.Marker, segmentID, i, len(job.Intensities))
			}
			buf = append(buf, job.Intensities[i])
		}

		v, _ := Summarize(job.Statistic, buf)
		res.Values[segmentID] = v
		all = append(all, v)
	}

	if len(all) > 0 {
		res.MinMax = models.MinMax{Min: floats.Min(all), Max: floats.Max(all)}
	}
	return res, nil
}

// Run adapts Compute to the worker pool signature
func Run(ctx context.Context, job Job) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Compute(job)
}
