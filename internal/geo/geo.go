package geo

import (
	"sort"
	"sync"

	"github.com/example/dispatch-engine/internal/models"
)

type cell struct{ cx, cy int }

// GridIndex buckets drivers into square cells of a fixed side length.
// Proximity queries scan only the cells overlapping the search square and
// then filter by exact Manhattan distance.
type GridIndex struct {
	mu       sync.Mutex
	size     int
	cells    map[cell]map[string]struct{}
	location map[string]models.Location
}

func NewGridIndex(cellSize int) *GridIndex {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &GridIndex{
		size:     cellSize,
		cells:    make(map[cell]map[string]struct{}),
		location: make(map[string]models.Location),
	}
}

// Add inserts the driver, replacing any previous entry.
func (g *GridIndex) Add(id string, loc models.Location) {
	if id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(id)
	g.insertLocked(id, loc)
}

// Update moves an indexed driver, or adds it if absent. Unchanged
// locations are a no-op.
func (g *GridIndex) Update(id string, loc models.Location) {
	if id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.location[id]; ok {
		if old == loc {
			return
		}
		g.removeLocked(id)
	}
	g.insertLocked(id, loc)
}

func (g *GridIndex) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(id)
}

// QueryNearby returns ids within Manhattan distance radius of center,
// sorted for stable output.
func (g *GridIndex) QueryNearby(center models.Location, radius int) []string {
	if radius < 0 {
		return nil
	}
	span := ceilDiv(radius, g.size)
	c := g.cellOf(center)

	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for cx := c.cx - span; cx <= c.cx+span; cx++ {
		for cy := c.cy - span; cy <= c.cy+span; cy++ {
			for id := range g.cells[cell{cx, cy}] {
				if g.location[id].Manhattan(center) <= radius {
					out = append(out, id)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

func (g *GridIndex) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.location)
}

func (g *GridIndex) Contains(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.location[id]
	return ok
}

// Location returns the last indexed location of id.
func (g *GridIndex) Location(id string) (models.Location, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	loc, ok := g.location[id]
	return loc, ok
}

func (g *GridIndex) insertLocked(id string, loc models.Location) {
	c := g.cellOf(loc)
	set, ok := g.cells[c]
	if !ok {
		set = make(map[string]struct{})
		g.cells[c] = set
	}
	set[id] = struct{}{}
	g.location[id] = loc
}

func (g *GridIndex) removeLocked(id string) {
	loc, ok := g.location[id]
	if !ok {
		return
	}
	c := g.cellOf(loc)
	if set, ok := g.cells[c]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(g.cells, c)
		}
	}
	delete(g.location, id)
}

func (g *GridIndex) cellOf(loc models.Location) cell {
	return cell{floorDiv(loc.X, g.size), floorDiv(loc.Y, g.size)}
}

// floorDiv rounds toward negative infinity so that cells stay square across
// the axes.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
