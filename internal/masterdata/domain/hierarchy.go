package masterdata

import (
	"context"
	"fmt"
	"sort"
)

// Hierarchy is a validated, immutable child->parent relation.
type Hierarchy struct {
	meters   map[string]Meter
	children map[string][]string
}

// NewHierarchy validates meters and builds the hierarchy.
// Parents referenced but not listed are added as load meters.
func NewHierarchy(meters []Meter) (*Hierarchy, error) {
	h := &Hierarchy{
		meters:   make(map[string]Meter, len(meters)),
		children: make(map[string][]string),
	}
	for _, m := range meters {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, ok := h.meters[m.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMeter, m.ID)
		}
		if m.Polarity == "" {
			m.Polarity = PolarityLoad
		}
		h.meters[m.ID] = m
	}
	for _, m := range meters {
		if m.ParentID == "" {
			continue
		}
		if _, ok := h.meters[m.ParentID]; !ok {
			h.meters[m.ParentID] = Meter{ID: m.ParentID, Polarity: PolarityLoad}
		}
		h.children[m.ParentID] = append(h.children[m.ParentID], m.ID)
	}
	for parent := range h.children {
		sort.Strings(h.children[parent])
	}
	if err := h.checkAcyclic(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Hierarchy) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(h.meters))
	for id := range h.meters {
		// walking parent links is enough since each meter has one parent
		path := make([]string, 0, 4)
		cur := id
		for cur != "" && state[cur] != done {
			if state[cur] == visiting {
				return fmt.Errorf("%w: %v", ErrHierarchyCycle, append(path, cur))
			}
			state[cur] = visiting
			path = append(path, cur)
			cur = h.meters[cur].ParentID
		}
		for _, p := range path {
			state[p] = done
		}
	}
	return nil
}

// Meter returns a meter by id.
func (h *Hierarchy) Meter(id string) (Meter, bool) {
	m, ok := h.meters[id]
	return m, ok
}

// Meters returns every meter in id order, including implied parents.
func (h *Hierarchy) Meters() []Meter {
	out := make([]Meter, 0, len(h.meters))
	for _, m := range h.meters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Children returns direct children in id order.
func (h *Hierarchy) Children(id string) []string {
	return append([]string(nil), h.children[id]...)
}

// Descendants returns every meter below id in post-order (children before parents, id last).
func (h *Hierarchy) Descendants(id string) []string {
	var out []string
	var walk func(string)
	walk = func(cur string) {
		for _, child := range h.children[cur] {
			walk(child)
		}
		out = append(out, cur)
	}
	walk(id)
	return out
}

// GetChildren implements Catalog.
func (h *Hierarchy) GetChildren(ctx context.Context, meterID string) ([]string, error) {
	_ = ctx
	if _, ok := h.meters[meterID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMeterNotFound, meterID)
	}
	return h.Children(meterID), nil
}

// GetPolarity implements Catalog.
func (h *Hierarchy) GetPolarity(ctx context.Context, meterID string) (Polarity, error) {
	_ = ctx
	m, ok := h.meters[meterID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMeterNotFound, meterID)
	}
	return m.Polarity, nil
}

// GetParent implements Catalog. Root meters return "".
func (h *Hierarchy) GetParent(ctx context.Context, meterID string) (string, error) {
	_ = ctx
	m, ok := h.meters[meterID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMeterNotFound, meterID)
	}
	return m.ParentID, nil
}
