// Package store implements the layered context store: three fixed layers of
// context units, each with its own token budget, relevance-ordered retrieval,
// and per-layer locking.
package store

import (
	"time"
)

// LayerID identifies one of the three fixed layers.
type LayerID string

const (
	// Core holds always-active content. It is never evicted.
	Core LayerID = "core"
	// Contextual holds task-relevant content for moderately complex work.
	Contextual LayerID = "contextual"
	// Deep holds background knowledge activated only for complex work.
	Deep LayerID = "deep"
)

// Layers lists all layers in activation order.
var Layers = []LayerID{Core, Contextual, Deep}

// EvictionOrder lists layers in the order hard eviction may touch them.
// Core is absent: it is never evicted.
var EvictionOrder = []LayerID{Deep, Contextual}

// Valid reports whether the layer is one of the three known layers.
func (l LayerID) Valid() bool {
	switch l {
	case Core, Contextual, Deep:
		return true
	}
	return false
}

// Evictable reports whether units may be hard-evicted from this layer.
func (l LayerID) Evictable() bool {
	return l == Contextual || l == Deep
}

// Unit is a single stored piece of context. Units are owned by the store:
// callers receive copies and mutate stored state only through store methods.
//
// Content always holds the original text; compression results live alongside
// it in CompressedContent so a strategy change can regenerate from the
// original instead of re-compressing lossy output.
type Unit struct {
	ID                string    `json:"id"`
	Layer             LayerID   `json:"layer"`
	Content           string    `json:"content"`
	CompressedContent string    `json:"compressed_content,omitempty"`
	Strategy          string    `json:"strategy,omitempty"`
	RawSize           int       `json:"raw_size"`
	CompressedSize    int       `json:"compressed_size"`
	QualityRetention  float64   `json:"quality_retention"`
	Tags              []string  `json:"tags,omitempty"`
	LastUsed          time.Time `json:"last_used"`
	UsageCount        int64     `json:"usage_count"`
}

// Text returns the content a bundle should carry: the compressed form when
// one exists, the original otherwise.
func (u *Unit) Text() string {
	if u.CompressedContent != "" {
		return u.CompressedContent
	}
	return u.Content
}

// Ratio returns the compression ratio achieved (compressed/raw).
// A unit that has never been compressed reports 1.0.
func (u *Unit) Ratio() float64 {
	if u.RawSize <= 0 {
		return 1.0
	}
	return float64(u.CompressedSize) / float64(u.RawSize)
}

// Validate checks unit invariants.
func (u *Unit) Validate() error {
	if u.ID == "" {
		return ErrEmptyUnitID
	}
	if !u.Layer.Valid() {
		return ErrUnknownLayer
	}
	if u.RawSize <= 0 {
		return ErrInvalidSize
	}
	if u.CompressedSize <= 0 || u.CompressedSize > u.RawSize {
		return ErrInvalidSize
	}
	if u.QualityRetention < 0 || u.QualityRetention > 1 {
		return ErrInvalidQuality
	}
	return nil
}

// Weights holds the relevance weighting for candidate ordering and eviction.
// Relevance = Recency*recency + Usage*usage + Tag*tagMatch, each component
// normalized to [0,1].
type Weights struct {
	Recency float64 `json:"recency"`
	Usage   float64 `json:"usage"`
	Tag     float64 `json:"tag"`
}

// Validate checks that weights are non-negative and not all zero.
func (w Weights) Validate() error {
	if w.Recency < 0 || w.Usage < 0 || w.Tag < 0 {
		return ErrInvalidWeights
	}
	if w.Recency+w.Usage+w.Tag == 0 {
		return ErrInvalidWeights
	}
	return nil
}
