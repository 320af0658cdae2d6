package core

import (
	"fmt"
	"strconv"
	"strings"

	"supply-service/internal/types"
)

// Spool is one resolved bay on one feeder unit.
type Spool struct {
	Feeder FeederUnit
	Bay    int
}

func (s Spool) Ref() types.SpoolRef {
	return types.SpoolRef{Feeder: s.Feeder.Name(), Bay: s.Bay}
}

func (s Spool) String() string {
	return fmt.Sprintf("%s:%d", s.Feeder.Name(), s.Bay)
}

// FilamentGroup is an ordered set of spools fungible as supply for one lane.
// Declaration order is the reload preference order.
type FilamentGroup struct {
	name   string
	spools []Spool
}

// NewFilamentGroup resolves "feeder:bay" tokens against the known feeder
// units. An unknown feeder or an out-of-range bay is a construction error,
// not a runtime condition.
func NewFilamentGroup(name string, tokens []string, feeders map[string]FeederUnit) (*FilamentGroup, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("group %s: no spools declared", name)
	}

	spools := make([]Spool, 0, len(tokens))
	for _, token := range tokens {
		feederName, bayStr, found := strings.Cut(token, ":")
		if !found {
			return nil, fmt.Errorf("group %s: malformed spool %q, want feeder:bay", name, token)
		}

		feeder, ok := feeders[feederName]
		if !ok {
			return nil, fmt.Errorf("group %s: unknown feeder %q", name, feederName)
		}

		bay, err := strconv.Atoi(bayStr)
		if err != nil || bay < 0 || bay > 3 {
			return nil, fmt.Errorf("group %s: bay %q out of range 0..3", name, bayStr)
		}

		spools = append(spools, Spool{Feeder: feeder, Bay: bay})
	}

	return &FilamentGroup{name: name, spools: spools}, nil
}

func (g *FilamentGroup) Name() string { return g.name }

func (g *FilamentGroup) Spools() []Spool { return g.spools }

// FeederNames returns the distinct feeder units this group draws from, in
// declaration order.
func (g *FilamentGroup) FeederNames() []string {
	seen := make(map[string]bool, len(g.spools))
	names := make([]string, 0, len(g.spools))
	for _, s := range g.spools {
		n := s.Feeder.Name()
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}

// IsAnySpoolLoaded reports whether any spool in the group currently reads
// loaded at the hardware. Sensing errors count as not loaded.
func (g *FilamentGroup) IsAnySpoolLoaded() bool {
	_, ok := g.LoadedSpool()
	return ok
}

// LoadedSpool returns the first spool in declaration order whose bay reads
// loaded.
func (g *FilamentGroup) LoadedSpool() (Spool, bool) {
	for _, s := range g.spools {
		loaded, err := s.Feeder.IsBayLoaded(s.Bay)
		if err == nil && loaded {
			return s, true
		}
	}
	return Spool{}, false
}

// AvailableSpools returns the spools whose bay reads ready and not loaded,
// in declaration order. These are the candidates for a load or a reload.
func (g *FilamentGroup) AvailableSpools() []Spool {
	var out []Spool
	for _, s := range g.spools {
		ready, err := s.Feeder.IsBayReady(s.Bay)
		if err != nil || !ready {
			continue
		}
		loaded, err := s.Feeder.IsBayLoaded(s.Bay)
		if err != nil || loaded {
			continue
		}
		out = append(out, s)
	}
	return out
}

// NextAvailableSpool returns the first available spool in declaration order.
func (g *FilamentGroup) NextAvailableSpool() (Spool, bool) {
	avail := g.AvailableSpools()
	if len(avail) == 0 {
		return Spool{}, false
	}
	return avail[0], true
}
