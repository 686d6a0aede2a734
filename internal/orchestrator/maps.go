package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/samber/lo"
)

// ErrNoMap is returned when no map fits even the widest band
var ErrNoMap = errors.New("no suitable map")

// MapSource lists pool maps by difficulty
type MapSource interface {
	MapsInRange(ctx context.Context, lo, hi float64) ([]domain.Beatmap, error)
}

// Selector picks maps near a target difficulty. It holds no per-lobby state;
// each lobby passes its own History.
type Selector struct {
	src         MapSource
	band        float64
	maxAttempts int
	historySize int
}

// NewSelector creates a selector. band is the initial half-width as a
// fraction of the target; it doubles on every failed attempt.
func NewSelector(src MapSource, band float64, maxAttempts, historySize int) *Selector {
	if historySize < 1 {
		historySize = 1
	}
	return &Selector{
		src:         src,
		band:        band,
		maxAttempts: maxAttempts,
		historySize: historySize,
	}
}

// NewHistory returns an empty ring of recent picks sized for this selector
func (s *Selector) NewHistory() *History {
	return &History{recent: make([]int64, 0, s.historySize)}
}

// Pick returns a random map within the smallest band around median that
// has one not in h. The pick is added to h.
func (s *Selector) Pick(ctx context.Context, median float64, h *History) (domain.Beatmap, error) {
	width := s.band * median
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		maps, err := s.src.MapsInRange(ctx, median-width, median+width)
		if err != nil {
			return domain.Beatmap{}, fmt.Errorf("listing maps: %w", err)
		}
		candidates := lo.Filter(maps, func(m domain.Beatmap, _ int) bool {
			return !h.Contains(m.ID)
		})
		if len(candidates) > 0 {
			m := lo.Sample(candidates)
			h.Add(m.ID)
			return m, nil
		}
		width *= 2
	}
	return domain.Beatmap{}, ErrNoMap
}

// History is a bounded ring of recently picked map ids
type History struct {
	mu     sync.Mutex
	recent []int64
	next   int
}

// Contains reports whether id was picked recently
func (h *History) Contains(id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return lo.Contains(h.recent, id)
}

// Add records id, evicting the oldest entry when full
func (h *History) Add(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recent) < cap(h.recent) {
		h.recent = append(h.recent, id)
		return
	}
	h.recent[h.next] = id
	h.next = (h.next + 1) % len(h.recent)
}

// Median returns the median overall difficulty of players with a known
// profile, or fallback if there are none.
func Median(players []*domain.Player, fallback float64) float64 {
	values := lo.FilterMap(players, func(p *domain.Player, _ int) (float64, bool) {
		return p.Overall, p.Overall > 0
	})
	if len(values) == 0 {
		return fallback
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 0 {
		return (values[mid-1] + values[mid]) / 2
	}
	return values[mid]
}
