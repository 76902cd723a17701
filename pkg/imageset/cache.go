// Package imageset bounds how many image sets are held in memory and
// orchestrates loading them: marker decode, segmentation and statistics.
package imageset

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"segmentcore/internal/models"
	"segmentcore/pkg/segmentation"
	"segmentcore/pkg/statistics"
)

var (
	// ErrUnknownImageSet is returned for an id that was never registered
	ErrUnknownImageSet = errors.New("unknown image set")

	// ErrStaleResult is returned when a load finishes for an image set that
	// was evicted or reloaded in the meantime
	ErrStaleResult = errors.New("stale image set result")
)

// DefaultMaxResident is the number of image sets kept in memory by default
const DefaultMaxResident = 3

// State is the lifecycle state of an image set
type State int

const (
	// Unloaded sets are registered but were never activated
	Unloaded State = iota

	// Loading sets are being decoded and indexed
	Loading

	// Resident sets hold their data in memory
	Resident

	// Evicted sets had their data cleared; the definition is kept
	Evicted
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Resident:
		return "resident"
	case Evicted:
		return "evicted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Set is the in-memory data of one image set
type Set struct {
	ID           string
	Dir          string
	Markers      map[string]models.Raster
	Segmentation *segmentation.Data
	Statistics   *statistics.Engine

	// FromCache is set when the segmentation came from the optimized artifact
	FromCache bool
}

// release drops references to in-flight statistics
func (s *Set) release() {
	if s != nil && s.Statistics != nil {
		s.Statistics.Close()
	}
}

// Info describes one registered image set
type Info struct {
	ID     string `json:"id"`
	State  State  `json:"state"`
	Active bool   `json:"active"`
}

// Activation is the outcome of Cache.Activate
type Activation struct {
	// Generation identifies this load; results must be committed with it
	Generation uint64

	// NeedsLoad is true when the set has no data and no load in progress
	NeedsLoad bool

	// Evicted lists the image sets evicted to make room
	Evicted []string
}

type entry struct {
	state      State
	generation uint64
	set        *Set
}

// Cache tracks image sets in most-recently-activated order and evicts the
// oldest once more than the configured maximum are held. The active set is
// never evicted.
type Cache struct {
	mu          sync.Mutex
	maxResident int
	entries     map[string]*entry
	history     []string
	active      string
	generation  uint64
	log         zerolog.Logger
}

// NewCache creates a cache holding at most maxResident sets
func NewCache(maxResident int, log zerolog.Logger) *Cache {
	if maxResident < 1 {
		maxResident = DefaultMaxResident
	}
	return &Cache{
		maxResident: maxResident,
		entries:     make(map[string]*entry),
		log:         log,
	}
}

// Register adds an image set definition in the Unloaded state.
// Registering a known id is a no-op.
func (c *Cache) Register(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		c.entries[id] = &entry{state: Unloaded}
	}
}

// Activate marks id as the active set, moves it to the most recent position
// and evicts the oldest sets beyond the maximum. Unknown ids are registered.
func (c *Cache) Activate(id string) Activation {
	c.mu.Lock()

	e, ok := c.entries[id]
	if !ok {
		e = &entry{state: Unloaded}
		c.entries[id] = e
	}
	c.active = id

	var act Activation
	if e.state == Unloaded || e.state == Evicted {
		e.state = Loading
		c.generation++
		e.generation = c.generation
		act.NeedsLoad = true
	}
	act.Generation = e.generation

	c.touchLocked(id)
	released := c.evictOverflowLocked()
	c.mu.Unlock()

	for id, set := range released {
		act.Evicted = append(act.Evicted, id)
		set.release()
	}
	sort.Strings(act.Evicted)

	if len(act.Evicted) > 0 {
		c.log.Debug().Str("active", id).Strs("evicted", act.Evicted).Msg("evicted image sets")
	}
	return act
}

// touchLocked moves id to the most recent position
func (c *Cache) touchLocked(id string) {
	c.removeLocked(id)
	c.history = append(c.history, id)
}

// evictOverflowLocked evicts the oldest sets until the history fits and
// returns the released sets keyed by id. Activation and ForceClean append the
// active id last and Fail only ever removes ids, so with a bound of at least
// one the oldest entry is never the active set.
func (c *Cache) evictOverflowLocked() map[string]*Set {
	released := make(map[string]*Set)
	for len(c.history) > c.maxResident {
		id := c.history[0]
		c.history = c.history[1:]
		released[id] = c.evictLocked(id)
	}
	residentSets.Set(float64(len(c.history)))
	return released
}

// evictLocked clears the data of id and invalidates any load in flight
func (c *Cache) evictLocked(id string) *Set {
	e := c.entries[id]
	set := e.set
	e.set = nil
	e.state = Evicted
	c.generation++
	e.generation = c.generation
	evictions.Inc()
	return set
}

// Evict clears the data of one set, or abandons its load, and reports
// whether anything was held. The definition stays registered and the next
// activation loads it again.
func (c *Cache) Evict(id string) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || (e.state != Loading && e.state != Resident) {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(id)
	set := c.evictLocked(id)
	residentSets.Set(float64(len(c.history)))
	c.mu.Unlock()

	set.release()
	c.log.Debug().Str("imageSet", id).Msg("evicted image set")
	return true
}

// removeLocked drops id from the history
func (c *Cache) removeLocked(id string) {
	for i, h := range c.history {
		if h == id {
			c.history = append(c.history[:i], c.history[i+1:]...)
			return
		}
	}
}

// ForceClean evicts every set, for example after the rendering surface was
// lost, and puts the active set back into Loading. It returns the active id
// and the generation its reload must be committed with; id is empty when no
// set is active.
func (c *Cache) ForceClean() (id string, generation uint64) {
	c.mu.Lock()
	released := make([]*Set, 0, len(c.history))
	for _, h := range c.history {
		released = append(released, c.evictLocked(h))
	}
	c.history = nil

	if c.active != "" {
		e := c.entries[c.active]
		e.state = Loading
		c.history = append(c.history, c.active)
		id, generation = c.active, e.generation
	}
	residentSets.Set(float64(len(c.history)))
	c.mu.Unlock()

	for _, set := range released {
		set.release()
	}
	c.log.Info().Int("evicted", len(released)).Str("reload", id).Msg("forced clean of image sets")
	return id, generation
}

// SetMaxResident changes the bound and evicts immediately if needed
func (c *Cache) SetMaxResident(n int) []string {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	c.maxResident = n
	released := c.evictOverflowLocked()
	c.mu.Unlock()

	evicted := make([]string, 0, len(released))
	for id, set := range released {
		evicted = append(evicted, id)
		set.release()
	}
	sort.Strings(evicted)
	return evicted
}

// MaxResident returns the current bound
func (c *Cache) MaxResident() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxResident
}

// Attach commits loaded data for id. It fails with ErrStaleResult when the
// set was evicted or reloaded since the load started.
func (c *Cache) Attach(id string, generation uint64, set *Set) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownImageSet, id)
	}
	if e.generation != generation || e.state != Loading {
		return fmt.Errorf("%w: %s", ErrStaleResult, id)
	}
	e.set = set
	e.state = Resident
	return nil
}

// Fail returns a set whose load failed to the Unloaded state so that a later
// activation retries it
func (c *Cache) Fail(id string, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.generation != generation || e.state != Loading {
		return
	}
	e.state = Unloaded
	c.removeLocked(id)
	residentSets.Set(float64(len(c.history)))
}

// IsLive reports whether results produced under generation may still be
// applied to id
func (c *Cache) IsLive(id string, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	return ok && e.generation == generation && (e.state == Loading || e.state == Resident)
}

// Set returns the data of a resident set
func (c *Cache) Set(id string) (*Set, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.state != Resident {
		return nil, false
	}
	return e.set, true
}

// State returns the lifecycle state of id
func (c *Cache) State(id string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Unloaded, fmt.Errorf("%w: %s", ErrUnknownImageSet, id)
	}
	return e.state, nil
}

// Active returns the active image set id
func (c *Cache) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// History returns the held ids from least to most recently activated
func (c *Cache) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.history))
	copy(out, c.history)
	return out
}

// Resident returns the ids whose data is in memory, least recent first
func (c *Cache) Resident() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, id := range c.history {
		if c.entries[id].state == Resident {
			out = append(out, id)
		}
	}
	return out
}

// List describes every registered set in id order
func (c *Cache) List() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Info, 0, len(c.entries))
	for id, e := range c.entries {
		out = append(out, Info{ID: id, State: e.state, Active: id == c.active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
