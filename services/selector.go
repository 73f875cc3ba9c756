package services

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"activity-queue/internal/status"
	"activity-queue/monitoring"
	"activity-queue/utils"
)

// Weighted is a selection candidate.
type Weighted struct {
	ID     string
	Weight float64
}

type SelectorOptions struct {
	// Seed 0 seeds from crypto entropy.
	Seed int64
	// FloorWeight replaces a zero weight so such items stay reachable.
	FloorWeight float64
	// TablePrecision is the number of table entries per unit of weight.
	TablePrecision int
	// TableThreshold switches to table mode above this many items.
	TableThreshold int
	// ForceTable always uses table mode.
	ForceTable bool
	Monitor    *monitoring.Monitor
}

const (
	modeDirect = "direct"
	modeTable  = "table"
)

// WeightedSelector picks one item with probability proportional to its
// weight. It is safe for concurrent use.
type WeightedSelector struct {
	mu   sync.Mutex
	rand *rand.Rand

	floor      float64
	precision  int64
	threshold  int
	forceTable bool
	monitor    *monitoring.Monitor
}

func NewWeightedSelector(opts SelectorOptions) *WeightedSelector {
	s := &WeightedSelector{
		rand:       utils.NewRand(opts.Seed),
		floor:      opts.FloorWeight,
		precision:  int64(opts.TablePrecision),
		threshold:  opts.TableThreshold,
		forceTable: opts.ForceTable,
		monitor:    opts.Monitor,
	}
	if s.floor <= 0 {
		s.floor = 1
	}
	if s.precision <= 0 {
		s.precision = 10
	}
	if s.threshold <= 0 {
		s.threshold = 10000
	}
	return s
}

// Select returns the id of the chosen item. Callers control the scan order,
// which only matters for which item absorbs rounding at the top end.
func (s *WeightedSelector) Select(items []Weighted) (string, error) {
	if len(items) == 0 {
		return "", status.ErrEmptySet
	}
	for _, it := range items {
		if it.Weight < 0 || math.IsNaN(it.Weight) || math.IsInf(it.Weight, 0) {
			return "", fmt.Errorf("%s has weight %v: %w", it.ID, it.Weight, status.ErrInvalidWeight)
		}
	}

	start := time.Now()
	if s.forceTable || len(items) > s.threshold {
		id := s.selectTable(items)
		s.monitor.TrackSelection(modeTable, time.Since(start))
		return id, nil
	}
	id := s.selectDirect(items)
	s.monitor.TrackSelection(modeDirect, time.Since(start))
	return id, nil
}

func (s *WeightedSelector) weight(w float64) float64 {
	if w == 0 {
		return s.floor
	}
	return w
}

func (s *WeightedSelector) selectDirect(items []Weighted) string {
	total := 0.0
	for _, it := range items {
		total += s.weight(it.Weight)
	}

	s.mu.Lock()
	point := s.rand.Float64() * total
	s.mu.Unlock()

	cumulative := 0.0
	for _, it := range items {
		cumulative += s.weight(it.Weight)
		if cumulative > point {
			return it.ID
		}
	}
	return items[len(items)-1].ID
}

// selectTable draws a uniform index into a virtual table holding
// weight*precision entries per item. The table is never materialised.
func (s *WeightedSelector) selectTable(items []Weighted) string {
	counts := make([]int64, len(items))
	var total int64
	for i, it := range items {
		counts[i] = tableEntries(s.weight(it.Weight), s.precision)
		total += counts[i]
	}

	s.mu.Lock()
	idx := s.rand.Int63n(total)
	s.mu.Unlock()

	for i, n := range counts {
		if idx < n {
			return items[i].ID
		}
		idx -= n
	}
	return items[len(items)-1].ID
}

// tableEntries is weight*precision truncated, computed in decimal so
// 0.29*100 is 29 and not 28. Every positive weight keeps at least one entry.
func tableEntries(weight float64, precision int64) int64 {
	n := decimal.NewFromFloat(weight).Mul(decimal.NewFromInt(precision)).IntPart()
	return max(n, 1)
}
