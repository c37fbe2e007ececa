package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
)

// layerState holds one layer's units and budget. The mutex serializes writes
// to this layer only; other layers stay fully concurrent.
type layerState struct {
	mu     sync.RWMutex
	budget atomic.Int64
	units  map[string]*Unit
}

// Store is the layered context store. All unit state is owned here; callers
// receive copies. Budgets, relevance weights and the compression floor are
// runtime-mutable through SetBudget/SetWeights/SetFloorRatio, which the
// adaptive controller's serialized path alone is wired to call.
type Store struct {
	layers     map[LayerID]*layerState
	weights    atomic.Pointer[Weights]
	halfLife   time.Duration
	floorRatio atomic.Uint64 // float64 bits
	logger     *logging.Logger
}

// New creates a Store from configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Store{
		layers: map[LayerID]*layerState{
			Core:       {units: make(map[string]*Unit)},
			Contextual: {units: make(map[string]*Unit)},
			Deep:       {units: make(map[string]*Unit)},
		},
		halfLife: cfg.Store.RecencyHalfLife.Duration(),
		logger:   logger.Named("store"),
	}
	s.floorRatio.Store(math.Float64bits(cfg.Compression.MaxRatio()))

	s.layers[Core].budget.Store(int64(cfg.Store.CoreBudget))
	s.layers[Contextual].budget.Store(int64(cfg.Store.ContextualBudget))
	s.layers[Deep].budget.Store(int64(cfg.Store.DeepBudget))

	w := Weights{
		Recency: cfg.Store.RecencyWeight,
		Usage:   cfg.Store.UsageWeight,
		Tag:     cfg.Store.TagWeight,
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("relevance weights: %w", err)
	}
	s.weights.Store(&w)

	for _, layer := range Layers {
		s.publishLayerMetrics(layer)
	}

	return s, nil
}

// Put inserts or replaces a unit in its layer.
//
// Returns ErrCapacityExceeded when the unit cannot fit the layer budget even
// at the configured best compression ratio (floor = raw x best ratio), or
// when current occupancy leaves no room for the unit's compressed size. The
// caller decides whether to compress, evict, or give up.
func (s *Store) Put(ctx context.Context, u Unit) error {
	if err := u.Validate(); err != nil {
		putsTotal.WithLabelValues(string(u.Layer), "invalid").Inc()
		return err
	}

	ls := s.layers[u.Layer]
	budget := int(ls.budget.Load())

	floor := int(math.Ceil(float64(u.RawSize) * s.FloorRatio()))
	if floor > budget {
		putsTotal.WithLabelValues(string(u.Layer), "rejected").Inc()
		return fmt.Errorf("unit %s needs at least %d tokens, layer %s budget is %d: %w",
			u.ID, floor, u.Layer, budget, ErrCapacityExceeded)
	}

	if u.LastUsed.IsZero() {
		u.LastUsed = time.Now()
	}
	u.Tags = cloneTags(u.Tags)

	ls.mu.Lock()
	occupied := 0
	for id, existing := range ls.units {
		if id == u.ID {
			continue // replaced unit frees its space
		}
		occupied += existing.CompressedSize
	}
	if occupied+u.CompressedSize > budget {
		ls.mu.Unlock()
		putsTotal.WithLabelValues(string(u.Layer), "rejected").Inc()
		return fmt.Errorf("unit %s (%d tokens) does not fit layer %s: %d of %d tokens in use: %w",
			u.ID, u.CompressedSize, u.Layer, occupied, budget, ErrCapacityExceeded)
	}
	stored := u
	ls.units[u.ID] = &stored
	ls.mu.Unlock()

	putsTotal.WithLabelValues(string(u.Layer), "stored").Inc()
	s.publishLayerMetrics(u.Layer)
	s.logger.Debug(ctx, "unit stored",
		zap.String("unit_id", u.ID),
		zap.String("layer", string(u.Layer)),
		zap.Int("compressed_size", u.CompressedSize),
	)
	return nil
}

// Get returns a copy of a unit.
func (s *Store) Get(layer LayerID, id string) (Unit, error) {
	if !layer.Valid() {
		return Unit{}, ErrUnknownLayer
	}
	ls := s.layers[layer]
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	u, ok := ls.units[id]
	if !ok {
		return Unit{}, fmt.Errorf("unit %s in layer %s: %w", id, layer, ErrUnitNotFound)
	}
	return cloneUnit(u), nil
}

// Remove deletes a unit from a layer. Used by hard eviction and by the
// ingest surface; removing from Core is allowed here because the no-eviction
// rule is enforced by the eviction policy, not by storage.
func (s *Store) Remove(ctx context.Context, layer LayerID, id string) error {
	if !layer.Valid() {
		return ErrUnknownLayer
	}
	ls := s.layers[layer]
	ls.mu.Lock()
	_, ok := ls.units[id]
	if !ok {
		ls.mu.Unlock()
		return fmt.Errorf("unit %s in layer %s: %w", id, layer, ErrUnitNotFound)
	}
	delete(ls.units, id)
	ls.mu.Unlock()

	s.publishLayerMetrics(layer)
	s.logger.Debug(ctx, "unit removed",
		zap.String("unit_id", id),
		zap.String("layer", string(layer)),
	)
	return nil
}

// Candidates returns copies of a layer's units ordered by descending
// relevance: w1*recency + w2*usage + w3*tagMatch. Ties break on unit ID so
// ordering is deterministic. An empty tag list scores every unit's tag
// component as a full match.
func (s *Store) Candidates(ctx context.Context, layer LayerID, tags []string) ([]Unit, error) {
	if !layer.Valid() {
		return nil, ErrUnknownLayer
	}

	now := time.Now()
	w := s.Weights()

	ls := s.layers[layer]
	ls.mu.RLock()
	type scored struct {
		unit  Unit
		score float64
	}
	out := make([]scored, 0, len(ls.units))
	for _, u := range ls.units {
		out = append(out, scored{unit: cloneUnit(u), score: s.score(u, w, tags, now)})
	}
	ls.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].unit.ID < out[j].unit.ID
	})

	units := make([]Unit, len(out))
	for i, sc := range out {
		units[i] = sc.unit
	}
	return units, nil
}

// Touch records a load: bumps usage count and last-used for the given units.
func (s *Store) Touch(layer LayerID, ids ...string) {
	if !layer.Valid() || len(ids) == 0 {
		return
	}
	now := time.Now()
	ls := s.layers[layer]
	ls.mu.Lock()
	for _, id := range ids {
		if u, ok := ls.units[id]; ok {
			u.UsageCount++
			u.LastUsed = now
		}
	}
	ls.mu.Unlock()
}

// UpdateCompression persists a compression result: the strategy applied, the
// compressed text, its size and the quality retention estimate. Content and
// RawSize are unchanged so a later strategy works from the original.
func (s *Store) UpdateCompression(ctx context.Context, layer LayerID, id, strategy, compressed string, compressedSize int, quality float64) error {
	if !layer.Valid() {
		return ErrUnknownLayer
	}
	if quality < 0 || quality > 1 {
		return ErrInvalidQuality
	}

	ls := s.layers[layer]
	ls.mu.Lock()
	defer ls.mu.Unlock()

	u, ok := ls.units[id]
	if !ok {
		return fmt.Errorf("unit %s in layer %s: %w", id, layer, ErrUnitNotFound)
	}
	if compressedSize <= 0 || compressedSize > u.RawSize {
		return ErrInvalidSize
	}
	u.Strategy = strategy
	u.CompressedContent = compressed
	u.CompressedSize = compressedSize
	u.QualityRetention = quality

	occupancyTokens.WithLabelValues(string(layer)).Set(float64(s.occupancyLocked(ls)))
	return nil
}

// Occupancy returns the sum of compressed sizes currently stored in a layer.
func (s *Store) Occupancy(layer LayerID) int {
	if !layer.Valid() {
		return 0
	}
	ls := s.layers[layer]
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return s.occupancyLocked(ls)
}

// UnitCount returns the number of units stored in a layer.
func (s *Store) UnitCount(layer LayerID) int {
	if !layer.Valid() {
		return 0
	}
	ls := s.layers[layer]
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.units)
}

// Budget returns a layer's current token budget.
func (s *Store) Budget(layer LayerID) int {
	if !layer.Valid() {
		return 0
	}
	return int(s.layers[layer].budget.Load())
}

// SetBudget mutates a layer's budget. Only the adaptive controller's
// serialized action path is wired to call this; occupancy above a lowered
// budget is repaired by compression on the next selection.
func (s *Store) SetBudget(layer LayerID, budget int) error {
	if !layer.Valid() {
		return ErrUnknownLayer
	}
	if budget <= 0 {
		return ErrInvalidBudget
	}
	s.layers[layer].budget.Store(int64(budget))
	budgetTokens.WithLabelValues(string(layer)).Set(float64(budget))
	return nil
}

// FloorRatio returns the most aggressive compression ratio currently
// configured; it defines the minimum size any unit can reach.
func (s *Store) FloorRatio() float64 {
	return math.Float64frombits(s.floorRatio.Load())
}

// SetFloorRatio mutates the compression floor used by Put's capacity check.
// Called when the controller nudges strategy ratios. Same serialization rule
// as SetBudget.
func (s *Store) SetFloorRatio(ratio float64) error {
	if ratio <= 0 || ratio > 1 {
		return fmt.Errorf("floor ratio %v: %w", ratio, ErrInvalidRatio)
	}
	s.floorRatio.Store(math.Float64bits(ratio))
	return nil
}

// Weights returns the current relevance weights.
func (s *Store) Weights() Weights {
	return *s.weights.Load()
}

// SetWeights mutates the relevance weights used for candidate ordering and
// eviction. Same serialization rule as SetBudget.
func (s *Store) SetWeights(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.weights.Store(&w)
	return nil
}

// score computes relevance with the caller-supplied weights snapshot.
// recency decays exponentially with the configured half-life; usage
// saturates as count/(count+1); tag match is the fraction of requested tags
// present on the unit.
func (s *Store) score(u *Unit, w Weights, tags []string, now time.Time) float64 {
	age := now.Sub(u.LastUsed)
	if age < 0 {
		age = 0
	}
	recency := 1.0
	if s.halfLife > 0 {
		recency = math.Exp(-math.Ln2 * age.Seconds() / s.halfLife.Seconds())
	}

	usage := float64(u.UsageCount) / float64(u.UsageCount+1)

	tagMatch := 1.0
	if len(tags) > 0 {
		matched := 0
		for _, want := range tags {
			for _, have := range u.Tags {
				if want == have {
					matched++
					break
				}
			}
		}
		tagMatch = float64(matched) / float64(len(tags))
	}

	return w.Recency*recency + w.Usage*usage + w.Tag*tagMatch
}

func (s *Store) occupancyLocked(ls *layerState) int {
	total := 0
	for _, u := range ls.units {
		total += u.CompressedSize
	}
	return total
}

func (s *Store) publishLayerMetrics(layer LayerID) {
	ls := s.layers[layer]
	ls.mu.RLock()
	occ := s.occupancyLocked(ls)
	count := len(ls.units)
	ls.mu.RUnlock()

	occupancyTokens.WithLabelValues(string(layer)).Set(float64(occ))
	budgetTokens.WithLabelValues(string(layer)).Set(float64(ls.budget.Load()))
	unitsStored.WithLabelValues(string(layer)).Set(float64(count))
}

func cloneUnit(u *Unit) Unit {
	out := *u
	out.Tags = cloneTags(u.Tags)
	return out
}

func cloneTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}
