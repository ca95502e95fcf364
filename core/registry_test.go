package core

import "testing"

func TestComponentRegistryRegisterAndLookup(t *testing.T) {
	reg := NewComponentRegistry()
	reg.Register(ReplicationInfo{Type: 1, Name: "transform", Flags: FlagReplicated | FlagReliable | FlagDeltaCompressed})

	info, ok := reg.Lookup(1)
	if !ok {
		t.Fatal("expected lookup by type to succeed")
	}
	if info.Name != "transform" {
		t.Fatalf("unexpected name: %s", info.Name)
	}
	if !info.Flags.Has(FlagReliable) {
		t.Fatal("expected FlagReliable to be preserved")
	}

	byName, ok := reg.LookupByName("transform")
	if !ok || byName.Type != 1 {
		t.Fatal("expected lookup by name to succeed")
	}
}

func TestComponentRegistryDefaultsUpdatePeriod(t *testing.T) {
	reg := NewComponentRegistry()
	reg.Register(ReplicationInfo{Type: 1, Name: "transform"})
	info, _ := reg.Lookup(1)
	if info.UpdatePeriodTicks != 1 {
		t.Fatalf("expected UpdatePeriodTicks to default to 1, got %d", info.UpdatePeriodTicks)
	}
}

func TestComponentRegistryInstallsDefaultDeltaCodec(t *testing.T) {
	reg := NewComponentRegistry()
	reg.Register(ReplicationInfo{Type: 1, Name: "transform", Flags: FlagDeltaCompressed})
	info, _ := reg.Lookup(1)
	if info.EncodeDelta == nil || info.DecodeDelta == nil {
		t.Fatal("expected default delta codec to be installed for a delta-capable type")
	}
}

func TestComponentRegistryPanicsAfterFreeze(t *testing.T) {
	reg := NewComponentRegistry()
	reg.Freeze()
	defer func() {
		if recover() == nil {
			t.Fatal("expected Register to panic after Freeze")
		}
	}()
	reg.Register(ReplicationInfo{Type: 2, Name: "health"})
}

func TestComponentRegistryRejectsDuplicates(t *testing.T) {
	reg := NewComponentRegistry()
	reg.Register(ReplicationInfo{Type: 1, Name: "transform"})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate type registration")
		}
	}()
	reg.Register(ReplicationInfo{Type: 1, Name: "other"})
}
