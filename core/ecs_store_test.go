package core

import "testing"

func TestInMemoryStoreSpawnAndSnapshot(t *testing.T) {
	s := NewInMemoryStore()
	snap := EntitySnapshot{NetID: 1, Version: 1, Components: []Component{{Type: 1, Data: []byte("x")}}}
	s.ApplySnapshot(snap)

	got, ok := s.Snapshot(1)
	if !ok || got.Version != 1 {
		t.Fatal("expected snapshot to be stored")
	}
	if got.Components[0].Version != 1 {
		t.Fatalf("expected component version to default to entity version, got %d", got.Components[0].Version)
	}
}

func TestInMemoryStoreApplyComponentUpdateMergesWithoutOverwritingOthers(t *testing.T) {
	s := NewInMemoryStore()
	s.ApplySnapshot(EntitySnapshot{NetID: 1, Version: 1, Components: []Component{
		{Type: 1, Version: 1, Data: []byte("a")},
		{Type: 2, Version: 1, Data: []byte("b")},
	}})
	if err := s.ApplyComponentUpdate(1, 2, 1, 2, []byte("changed"), false); err != nil {
		t.Fatalf("ApplyComponentUpdate: %v", err)
	}
	got, _ := s.Snapshot(1)
	var foundType1, foundType2 bool
	for _, c := range got.Components {
		if c.Type == 1 && string(c.Data) == "a" {
			foundType1 = true
		}
		if c.Type == 2 && string(c.Data) == "changed" && c.Version == 2 {
			foundType2 = true
		}
	}
	if !foundType1 || !foundType2 {
		t.Fatalf("expected component update to merge, not overwrite: %+v", got.Components)
	}
}

func TestInMemoryStoreApplyComponentUpdateUnknownEntity(t *testing.T) {
	s := NewInMemoryStore()
	err := s.ApplyComponentUpdate(99, 1, 0, 1, nil, false)
	if !IsKind(err, KindReplication) {
		t.Fatalf("expected KindReplication error, got %v", err)
	}
}

func TestInMemoryStoreApplyComponentUpdateRejectsStaleVersion(t *testing.T) {
	s := NewInMemoryStore()
	s.ApplySnapshot(EntitySnapshot{NetID: 1, Version: 5, Components: []Component{{Type: 1, Version: 5, Data: []byte("a")}}})
	err := s.ApplyComponentUpdate(1, 1, 0, 5, []byte("stale"), false)
	if !errorsIsStale(err) {
		t.Fatalf("expected stale-version rejection, got %v", err)
	}
	got, _ := s.Snapshot(1)
	if string(got.Components[0].Data) != "a" {
		t.Fatal("stale update must not be applied")
	}
}

func TestInMemoryStoreApplyComponentUpdateRejectsMismatchedDeltaBase(t *testing.T) {
	s := NewInMemoryStore()
	s.ApplySnapshot(EntitySnapshot{NetID: 1, Version: 5, Components: []Component{{Type: 1, Version: 5, Data: []byte("a")}}})
	err := s.ApplyComponentUpdate(1, 1, 3, 6, []byte("delta against wrong base"), true)
	if !errorsIsStale(err) {
		t.Fatalf("expected mismatched base_version to be rejected, got %v", err)
	}
}

func TestInMemoryStoreApplyComponentUpdateAcceptsMatchingDeltaBase(t *testing.T) {
	s := NewInMemoryStore()
	s.ApplySnapshot(EntitySnapshot{NetID: 1, Version: 5, Components: []Component{{Type: 1, Version: 5, Data: []byte("a")}}})
	if err := s.ApplyComponentUpdate(1, 1, 5, 6, []byte("b"), true); err != nil {
		t.Fatalf("ApplyComponentUpdate: %v", err)
	}
	got, _ := s.Snapshot(1)
	if got.Components[0].Version != 6 || string(got.Components[0].Data) != "b" {
		t.Fatalf("expected component updated to version 6, got %+v", got.Components[0])
	}
}

func TestInMemoryStoreRemove(t *testing.T) {
	s := NewInMemoryStore()
	s.ApplySnapshot(EntitySnapshot{NetID: 1})
	s.Remove(1)
	if _, ok := s.Snapshot(1); ok {
		t.Fatal("expected entity to be removed")
	}
}

func errorsIsStale(err error) bool {
	return IsKind(err, KindReplication)
}
