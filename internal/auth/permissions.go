package auth

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// DefaultBypassLevel is the role level that receives every active capability.
const DefaultBypassLevel = 1

// Snapshot is the set of capability areas and sub-capabilities a principal may view.
// Both lists are sorted and deduplicated.
type Snapshot struct {
	CapabilityAreas []string `json:"capability_areas"`
	SubCapabilities []string `json:"sub_capabilities"`
}

// HasCapability reports whether area is in the snapshot.
func (s Snapshot) HasCapability(area string) bool {
	_, ok := slices.BinarySearch(s.CapabilityAreas, area)
	return ok
}

// HasSubCapability reports whether sub is in the snapshot.
func (s Snapshot) HasSubCapability(sub string) bool {
	_, ok := slices.BinarySearch(s.SubCapabilities, sub)
	return ok
}

// CanManageRole reports whether actor outranks target.
func CanManageRole(actor, target Role) bool {
	return actor.Level < target.Level
}

// Aggregator computes effective permissions from role grants.
type Aggregator struct {
	store       GrantStore
	bypassLevel int
}

// NewAggregator returns an aggregator that treats bypassLevel as the global bypass tier.
func NewAggregator(store GrantStore, bypassLevel int) *Aggregator {
	return &Aggregator{store: store, bypassLevel: bypassLevel}
}

// Snapshot returns the view permissions of principalID at now.
func (a *Aggregator) Snapshot(ctx context.Context, principalID string, now time.Time) (Snapshot, error) {
	roleIDs, bypass, err := a.effectiveRoles(ctx, principalID, now)
	if err != nil {
		return Snapshot{}, err
	}
	cat, err := a.catalog(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if bypass {
		return cat.universe(), nil
	}
	if len(roleIDs) == 0 {
		return emptySnapshot(), nil
	}

	caps, err := a.store.CapabilityGrants(ctx, roleIDs)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load capability grants: %w", err)
	}
	subs, err := a.store.SubCapabilityGrants(ctx, roleIDs)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load sub-capability grants: %w", err)
	}

	var areas, features []string
	for _, g := range caps {
		if g.Active && g.Access.View && cat.areas[g.AreaID] {
			areas = append(areas, g.AreaID)
		}
	}
	for _, g := range subs {
		if g.Active && g.Access.View && cat.areas[g.AreaID] && cat.subs[g.SubCapabilityID] {
			features = append(features, g.SubCapabilityID)
		}
	}
	return Snapshot{CapabilityAreas: sortedSet(areas), SubCapabilities: sortedSet(features)}, nil
}

// Allowed reports whether principalID may perform action on area, or on the sub-capability
// sub of area when sub is not empty.
func (a *Aggregator) Allowed(ctx context.Context, principalID, area, sub string, action Action, now time.Time) (bool, error) {
	roleIDs, bypass, err := a.effectiveRoles(ctx, principalID, now)
	if err != nil {
		return false, err
	}
	cat, err := a.catalog(ctx)
	if err != nil {
		return false, err
	}
	if !cat.areas[area] || (sub != "" && !cat.subs[sub]) {
		return false, nil
	}
	if bypass {
		return true, nil
	}
	if len(roleIDs) == 0 {
		return false, nil
	}

	if sub == "" {
		caps, err := a.store.CapabilityGrants(ctx, roleIDs)
		if err != nil {
			return false, fmt.Errorf("load capability grants: %w", err)
		}
		for _, g := range caps {
			if g.Active && g.AreaID == area && g.Access.Allows(action) {
				return true, nil
			}
		}
		return false, nil
	}

	subs, err := a.store.SubCapabilityGrants(ctx, roleIDs)
	if err != nil {
		return false, fmt.Errorf("load sub-capability grants: %w", err)
	}
	for _, g := range subs {
		if g.Active && g.AreaID == area && g.SubCapabilityID == sub && g.Access.Allows(action) {
			return true, nil
		}
	}
	return false, nil
}

func (a *Aggregator) effectiveRoles(ctx context.Context, principalID string, now time.Time) ([]string, bool, error) {
	grants, err := a.store.RoleGrants(ctx, principalID)
	if err != nil {
		return nil, false, fmt.Errorf("load role grants: %w", err)
	}
	var roleIDs []string
	for _, g := range grants {
		if !g.EffectiveAt(now) {
			continue
		}
		if g.Role.Level == a.bypassLevel {
			return nil, true, nil
		}
		roleIDs = append(roleIDs, g.Role.ID)
	}
	return sortedSet(roleIDs), false, nil
}

type catalog struct {
	areas map[string]bool
	subs  map[string]bool
}

// catalog loads the active areas and the active sub-capabilities whose parent is active.
func (a *Aggregator) catalog(ctx context.Context) (catalog, error) {
	areas, err := a.store.CapabilityAreas(ctx)
	if err != nil {
		return catalog{}, fmt.Errorf("load capability areas: %w", err)
	}
	subs, err := a.store.SubCapabilities(ctx)
	if err != nil {
		return catalog{}, fmt.Errorf("load sub-capabilities: %w", err)
	}
	c := catalog{areas: make(map[string]bool, len(areas)), subs: make(map[string]bool, len(subs))}
	for _, area := range areas {
		if area.Active {
			c.areas[area.ID] = true
		}
	}
	for _, sub := range subs {
		if sub.Active && c.areas[sub.AreaID] {
			c.subs[sub.ID] = true
		}
	}
	return c, nil
}

func (c catalog) universe() Snapshot {
	areas := make([]string, 0, len(c.areas))
	for id := range c.areas {
		areas = append(areas, id)
	}
	subs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		subs = append(subs, id)
	}
	return Snapshot{CapabilityAreas: sortedSet(areas), SubCapabilities: sortedSet(subs)}
}

func emptySnapshot() Snapshot {
	return Snapshot{CapabilityAreas: []string{}, SubCapabilities: []string{}}
}

func sortedSet(values []string) []string {
	out := make([]string, 0, len(values))
	out = append(out, values...)
	slices.Sort(out)
	return slices.Compact(out)
}
