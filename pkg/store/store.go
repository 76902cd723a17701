// Package store persists per-segment statistics so that reopening an image set
// does not require recomputing them.
package store

import (
	"errors"

	"segmentcore/internal/models"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("statistics store closed")

// Feature names one stored (marker, statistic) column of an image set
type Feature struct {
	Marker    string           `json:"marker"`
	Statistic models.Statistic `json:"statistic"`
}

// Store is a durable key-value store of segment statistics keyed by
// image set, marker, statistic and segment id.
type Store interface {
	// Insert writes values, overwriting any stored value for the same segments
	Insert(imageSet, marker string, statistic models.Statistic, values map[int32]float64) error

	// SelectValues returns every stored value for the feature. A feature that
	// was never written yields an empty map.
	SelectValues(imageSet, marker string, statistic models.Statistic) (map[int32]float64, error)

	// MinMax returns the range of stored values; ok is false when none exist
	MinMax(imageSet, marker string, statistic models.Statistic) (mm models.MinMax, ok bool, err error)

	// DeleteExisting removes every stored value for the feature
	DeleteExisting(imageSet, marker string, statistic models.Statistic) error

	// ListFeatures returns the features stored for an image set, ordered by
	// marker then statistic
	ListFeatures(imageSet string) ([]Feature, error)

	Close() error
}
