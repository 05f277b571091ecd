package matrix

import "maunium.net/go/mautrix/id"

// DefaultDedupCapacity is how many event IDs a DedupWindow remembers.
const DefaultDedupCapacity = 1000

// DedupWindow is an insertion-ordered set of event IDs with a hard size cap.
// Past capacity the oldest insertions are evicted first (FIFO, not LRU):
// looking an ID up never extends its lifetime.
//
// It is not safe for concurrent use; a session only touches it from its
// sync loop goroutine.
type DedupWindow struct {
	capacity int
	order    []id.EventID
	members  map[id.EventID]struct{}
}

// NewDedupWindow creates a window holding at most capacity IDs.
// A capacity <= 0 selects DefaultDedupCapacity.
func NewDedupWindow(capacity int) *DedupWindow {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &DedupWindow{
		capacity: capacity,
		order:    make([]id.EventID, 0, capacity+1),
		members:  make(map[id.EventID]struct{}, capacity+1),
	}
}

// Has reports whether eventID is currently in the window.
func (w *DedupWindow) Has(eventID id.EventID) bool {
	_, ok := w.members[eventID]
	return ok
}

// Insert records eventID. Inserting an ID already present is a no-op and
// does not refresh its position.
func (w *DedupWindow) Insert(eventID id.EventID) {
	if w.Has(eventID) {
		return
	}
	w.members[eventID] = struct{}{}
	w.order = append(w.order, eventID)
}

// EvictOverCapacity drops exactly Len()-capacity of the oldest entries and
// returns how many were removed.
func (w *DedupWindow) EvictOverCapacity() int {
	excess := len(w.order) - w.capacity
	if excess <= 0 {
		return 0
	}
	for _, old := range w.order[:excess] {
		delete(w.members, old)
	}
	w.order = w.order[excess:]
	return excess
}

// Add is the filter's check-and-record step: it returns true only the first
// time eventID is seen within the window, inserting and evicting as needed.
func (w *DedupWindow) Add(eventID id.EventID) bool {
	if w.Has(eventID) {
		return false
	}
	w.Insert(eventID)
	w.EvictOverCapacity()
	return true
}

func (w *DedupWindow) Len() int {
	return len(w.order)
}

func (w *DedupWindow) Capacity() int {
	return w.capacity
}
