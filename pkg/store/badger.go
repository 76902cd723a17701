package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"segmentcore/internal/models"
	"segmentcore/pkg/logging"
)

// featurePrefix starts every statistics key
const featurePrefix = "f/"

// Options configures a BadgerStore
type Options struct {
	// Path is the database directory; empty keeps everything in memory
	Path string

	// SyncWrites fsyncs every write
	SyncWrites bool
}

// BadgerStore implements Store on top of badger.
//
// Keys are featurePrefix followed by the length-prefixed image set, marker
// and statistic names and the big-endian segment id, so that one feature
// occupies one contiguous key range. Values are big-endian IEEE-754 bits.
type BadgerStore struct {
	db     *badger.DB
	log    zerolog.Logger
	closed atomic.Bool
}

// Open opens or creates a store
func Open(opts Options, log zerolog.Logger) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(logging.NewBadgerLogger(log))
	if opts.Path == "" {
		bopts = bopts.WithInMemory(true)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open statistics store: %w", err)
	}

	log.Debug().Str("path", opts.Path).Bool("inMemory", opts.Path == "").Msg("opened statistics store")
	return &BadgerStore{db: db, log: log}, nil
}

// Insert implements Store
func (s *BadgerStore) Insert(imageSet, marker string, statistic models.Statistic, values map[int32]float64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	prefix := featureKey(imageSet, marker, statistic)
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for segmentID, v := range values {
		if err := wb.Set(segmentKey(prefix, segmentID), encodeValue(v)); err != nil {
			return fmt.Errorf("insert %s/%s/%s: %w", imageSet, marker, statistic, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("insert %s/%s/%s: %w", imageSet, marker, statistic, err)
	}
	return nil
}

// SelectValues implements Store
func (s *BadgerStore) SelectValues(imageSet, marker string, statistic models.Statistic) (map[int32]float64, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := featureKey(imageSet, marker, statistic)
	values := make(map[int32]float64)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefix)+4 {
				continue
			}
			segmentID := int32(binary.BigEndian.Uint32(key[len(prefix):]))

			err := item.Value(func(val []byte) error {
				v, err := decodeValue(val)
				if err != nil {
					return err
				}
				values[segmentID] = v
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("select %s/%s/%s: %w", imageSet, marker, statistic, err)
	}
	return values, nil
}

// MinMax implements Store
func (s *BadgerStore) MinMax(imageSet, marker string, statistic models.Statistic) (models.MinMax, bool, error) {
	values, err := s.SelectValues(imageSet, marker, statistic)
	if err != nil {
		return models.MinMax{}, false, err
	}
	if len(values) == 0 {
		return models.MinMax{}, false, nil
	}

	mm := models.MinMax{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range values {
		mm.Min = math.Min(mm.Min, v)
		mm.Max = math.Max(mm.Max, v)
	}
	return mm, true, nil
}

// DeleteExisting implements Store
func (s *BadgerStore) DeleteExisting(imageSet, marker string, statistic models.Statistic) error {
	if s.closed.Load() {
		return ErrClosed
	}

	prefix := featureKey(imageSet, marker, statistic)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s/%s: %w", imageSet, marker, statistic, err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete %s/%s/%s: %w", imageSet, marker, statistic, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete %s/%s/%s: %w", imageSet, marker, statistic, err)
	}

	s.log.Debug().Str("imageSet", imageSet).Str("marker", marker).Str("statistic", string(statistic)).
		Int("deleted", len(keys)).Msg("cleared stored feature")
	return nil
}

// ListFeatures implements Store
func (s *BadgerStore) ListFeatures(imageSet string) ([]Feature, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := imageSetKey(imageSet)
	seen := make(map[Feature]struct{})

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			rest := it.Item().Key()[len(prefix):]
			marker, rest, ok := readComponent(rest)
			if !ok {
				continue
			}
			statistic, _, ok := readComponent(rest)
			if !ok {
				continue
			}
			seen[Feature{Marker: marker, Statistic: models.Statistic(statistic)}] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list features of %s: %w", imageSet, err)
	}

	features := make([]Feature, 0, len(seen))
	for f := range seen {
		features = append(features, f)
	}
	sort.Slice(features, func(i, j int) bool {
		if features[i].Marker != features[j].Marker {
			return features[i].Marker < features[j].Marker
		}
		return features[i].Statistic < features[j].Statistic
	})
	return features, nil
}

// Close implements Store
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func imageSetKey(imageSet string) []byte {
	key := make([]byte, 0, len(featurePrefix)+2+len(imageSet))
	key = append(key, featurePrefix...)
	return appendComponent(key, imageSet)
}

func featureKey(imageSet, marker string, statistic models.Statistic) []byte {
	key := imageSetKey(imageSet)
	key = appendComponent(key, marker)
	return appendComponent(key, string(statistic))
}

func segmentKey(prefix []byte, segmentID int32) []byte {
	key := make([]byte, len(prefix), len(prefix)+4)
	copy(key, prefix)
	return binary.BigEndian.AppendUint32(key, uint32(segmentID))
}

// appendComponent writes a uint16 length followed by the bytes of s
func appendComponent(key []byte, s string) []byte {
	key = binary.BigEndian.AppendUint16(key, uint16(len(s)))
	return append(key, s...)
}

func readComponent(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, false
	}
	return string(b[2 : 2+n]), b[2+n:], true
}

func encodeValue(v float64) []byte {
	return binary.BigEndian.AppendUint64(nil, math.Float64bits(v))
}

func decodeValue(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("stored value has %d bytes", len(b))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}
