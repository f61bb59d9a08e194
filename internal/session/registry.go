package session

// Registry is the insertion-ordered set of registered devices.
//
// It has no lock of its own: every mutation goes through the Controller,
// which holds its mutex while touching the registry.
type Registry struct {
	order []string
	byID  map[string]DeviceRecord
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]DeviceRecord)}
}

// Upsert inserts rec if its ID is unknown. An existing record is left
// untouched, so the first-seen name wins. Reports whether rec was inserted.
func (r *Registry) Upsert(rec DeviceRecord) bool {
	if _, ok := r.byID[rec.ID]; ok {
		return false
	}
	r.byID[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	return true
}

// Remove deletes the record with the given ID and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// RemoveFunc deletes every record for which match returns true and returns
// how many were removed.
func (r *Registry) RemoveFunc(match func(DeviceRecord) bool) int {
	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		rec := r.byID[id]
		if match(rec) {
			delete(r.byID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}

func (r *Registry) Get(id string) (DeviceRecord, bool) {
	rec, ok := r.byID[id]
	return rec, ok
}

// List returns a copy of all records in insertion order. Never nil.
func (r *Registry) List() []DeviceRecord {
	out := make([]DeviceRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.order)
}

func (r *Registry) Clear() {
	r.order = nil
	r.byID = make(map[string]DeviceRecord)
}
