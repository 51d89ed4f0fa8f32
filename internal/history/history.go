// Package history keeps the bounded list of recently generated images.
package history

import "github.com/verdantlab/plantstage/pkg/models"

// Capacity is the fixed buffer size; pushing beyond it evicts the oldest item.
const Capacity = 4

// Ring is a FIFO of image references. The zero value is ready to use.
// The currently displayed image is tracked by callers as a ref value, not an
// index into the ring, so deleting the displayed item does not reselect.
type Ring struct {
	items []models.ImageRef
}

func New() *Ring {
	return &Ring{items: make([]models.ImageRef, 0, Capacity)}
}

// Push appends ref, evicting the oldest item when the ring is full.
func (r *Ring) Push(ref models.ImageRef) {
	r.items = append(r.items, ref)
	if len(r.items) > Capacity {
		r.items = r.items[1:]
	}
}

// DeleteAt removes the item at index, shifting later items left.
// Out-of-range indexes are ignored.
func (r *Ring) DeleteAt(index int) {
	if index < 0 || index >= len(r.items) {
		return
	}
	r.items = append(r.items[:index], r.items[index+1:]...)
}

// At returns the item at index, or false when out of range.
func (r *Ring) At(index int) (models.ImageRef, bool) {
	if index < 0 || index >= len(r.items) {
		return "", false
	}
	return r.items[index], true
}

func (r *Ring) Len() int {
	return len(r.items)
}

// Items returns a copy in insertion order, oldest first.
func (r *Ring) Items() []models.ImageRef {
	out := make([]models.ImageRef, len(r.items))
	copy(out, r.items)
	return out
}

// Contains reports whether ref is currently in the ring.
func (r *Ring) Contains(ref models.ImageRef) bool {
	for _, item := range r.items {
		if item == ref {
			return true
		}
	}
	return false
}
