package session

import (
	"strings"
	"testing"
)

func TestRegistryUpsertFirstSeenWins(t *testing.T) {
	r := NewRegistry()
	if !r.Upsert(DeviceRecord{ID: "a", Name: "first"}) {
		t.Fatal("expected insert")
	}
	if r.Upsert(DeviceRecord{ID: "a", Name: "second"}) {
		t.Fatal("expected existing record to be kept")
	}
	rec, ok := r.Get("a")
	if !ok || rec.Name != "first" {
		t.Errorf("Get(a) = %+v, %v; want first", rec, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryListKeepsInsertionOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Upsert(DeviceRecord{ID: id})
	}
	r.Remove("a")
	r.Upsert(DeviceRecord{ID: "a"})

	var ids []string
	for _, rec := range r.List() {
		ids = append(ids, rec.ID)
	}
	if got := strings.Join(ids, ","); got != "c,b,a" {
		t.Errorf("List order = %s, want c,b,a", got)
	}
}

func TestRegistryListIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Upsert(DeviceRecord{ID: "a", Name: "x"})
	list := r.List()
	list[0].Name = "mutated"
	if rec, _ := r.Get("a"); rec.Name != "x" {
		t.Errorf("registry mutated through List: %+v", rec)
	}
}

func TestRegistryEmptyListNotNil(t *testing.T) {
	if NewRegistry().List() == nil {
		t.Error("List of empty registry is nil")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Upsert(DeviceRecord{ID: "a"})
	if !r.Remove("a") {
		t.Error("Remove(a) = false, want true")
	}
	if r.Remove("a") {
		t.Error("second Remove(a) = true, want false")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistryRemoveFunc(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"keep-1", "drop-1", "keep-2", "drop-2"} {
		r.Upsert(DeviceRecord{ID: id})
	}
	n := r.RemoveFunc(func(rec DeviceRecord) bool { return strings.HasPrefix(rec.ID, "drop") })
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	list := r.List()
	if len(list) != 2 || list[0].ID != "keep-1" || list[1].ID != "keep-2" {
		t.Errorf("List = %+v", list)
	}
	if _, ok := r.Get("drop-1"); ok {
		t.Error("drop-1 still present")
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	r.Upsert(DeviceRecord{ID: "a"})
	r.Clear()
	if r.Len() != 0 || len(r.List()) != 0 {
		t.Error("registry not empty after Clear")
	}
	if !r.Upsert(DeviceRecord{ID: "a"}) {
		t.Error("Upsert after Clear should insert")
	}
}
