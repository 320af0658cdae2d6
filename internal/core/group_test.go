package core

import (
	"testing"
)

func groupFeeders() (map[string]FeederUnit, *mockFeeder, *mockFeeder) {
	a := newMockFeeder("unitA", 120)
	b := newMockFeeder("unitB", 150)
	return map[string]FeederUnit{"unitA": a, "unitB": b}, a, b
}

func TestNewFilamentGroupErrors(t *testing.T) {
	feeders, _, _ := groupFeeders()

	cases := []struct {
		name   string
		tokens []string
	}{
		{"empty", nil},
		{"malformed token", []string{"unitA"}},
		{"unknown feeder", []string{"unitC:0"}},
		{"bay too high", []string{"unitA:4"}},
		{"bay negative", []string{"unitA:-1"}},
		{"bay not a number", []string{"unitA:x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewFilamentGroup("PLA", tc.tokens, feeders); err == nil {
				t.Errorf("NewFilamentGroup(%v) accepted, want error", tc.tokens)
			}
		})
	}
}

func TestFilamentGroupFeederNames(t *testing.T) {
	feeders, _, _ := groupFeeders()
	g, err := NewFilamentGroup("PLA", []string{"unitA:0", "unitB:2", "unitA:1"}, feeders)
	if err != nil {
		t.Fatalf("build group: %v", err)
	}

	names := g.FeederNames()
	if len(names) != 2 || names[0] != "unitA" || names[1] != "unitB" {
		t.Errorf("FeederNames = %v, want [unitA unitB]", names)
	}
}

func TestFilamentGroupAvailableSpools(t *testing.T) {
	feeders, a, b := groupFeeders()
	g, err := NewFilamentGroup("PLA", []string{"unitA:0", "unitA:1", "unitB:0"}, feeders)
	if err != nil {
		t.Fatalf("build group: %v", err)
	}

	a.ready = [4]bool{true, true, false, false}
	a.loaded = [4]bool{true, false, false, false} // bay 0 in use
	b.ready = [4]bool{true, false, false, false}

	avail := g.AvailableSpools()
	if len(avail) != 2 {
		t.Fatalf("available = %v, want 2 spools", avail)
	}
	if avail[0].String() != "unitA:1" || avail[1].String() != "unitB:0" {
		t.Errorf("available = [%s %s], want declaration order unitA:1 unitB:0",
			avail[0], avail[1])
	}

	next, ok := g.NextAvailableSpool()
	if !ok || next.String() != "unitA:1" {
		t.Errorf("next = %v ok=%v, want unitA:1", next, ok)
	}
}

func TestFilamentGroupLoadedSpool(t *testing.T) {
	feeders, a, b := groupFeeders()
	g, err := NewFilamentGroup("PLA", []string{"unitA:0", "unitB:3"}, feeders)
	if err != nil {
		t.Fatalf("build group: %v", err)
	}

	if _, ok := g.LoadedSpool(); ok {
		t.Error("LoadedSpool reported a spool on empty bays")
	}
	if g.IsAnySpoolLoaded() {
		t.Error("IsAnySpoolLoaded true on empty bays")
	}

	b.loaded[3] = true
	spool, ok := g.LoadedSpool()
	if !ok || spool.String() != "unitB:3" {
		t.Errorf("LoadedSpool = %v ok=%v, want unitB:3", spool, ok)
	}

	// Declaration order wins when several bays read loaded
	a.loaded[0] = true
	spool, _ = g.LoadedSpool()
	if spool.String() != "unitA:0" {
		t.Errorf("LoadedSpool = %s with two loaded bays, want unitA:0", spool)
	}
}
