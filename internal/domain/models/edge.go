package models

import (
	"math"
	"sort"
	"strings"
	"time"
)

// EdgeID identifies a single trackable decision unit.
type EdgeID string

// ChangeType classifies an edge change event.
type ChangeType string

const (
	ChangePriceMove  ChangeType = "price_move"
	ChangeSuspension ChangeType = "suspension"
	ChangeResolution ChangeType = "resolution"
	ChangeLineChange ChangeType = "line_change"
	ChangeOther      ChangeType = "other"
)

// ParseChangeType maps a raw string to a known change type, falling back to other.
func ParseChangeType(s string) ChangeType {
	switch ct := ChangeType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ChangePriceMove, ChangeSuspension, ChangeResolution, ChangeLineChange:
		return ct
	default:
		return ChangeOther
	}
}

// EdgeChangeEvent is consumed immediately by the aggregator and never retained.
type EdgeChangeEvent struct {
	EdgeID     EdgeID     `json:"edge_id"`
	ChangeType ChangeType `json:"change_type"`
	Magnitude  float64    `json:"magnitude"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ClampMagnitude normalizes a magnitude into [0,1]. NaN and negatives become 0.
func ClampMagnitude(m float64) float64 {
	if math.IsNaN(m) || m < 0 {
		return 0
	}
	if m > 1 {
		return 1
	}
	return m
}

// EdgeSet is an unordered set of edge ids.
type EdgeSet map[EdgeID]struct{}

// NewEdgeSet builds a set from ids, dropping duplicates.
func NewEdgeSet(ids ...EdgeID) EdgeSet {
	s := make(EdgeSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s EdgeSet) Add(ids ...EdgeID) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s EdgeSet) Has(id EdgeID) bool {
	_, ok := s[id]
	return ok
}

// Clone returns an independent copy.
func (s EdgeSet) Clone() EdgeSet {
	out := make(EdgeSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns members in ascending order.
func (s EdgeSet) Sorted() []EdgeID {
	out := make([]EdgeID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	SortEdges(out)
	return out
}

// SortEdges sorts ids in place.
func SortEdges(ids []EdgeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
