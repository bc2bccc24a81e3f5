// Package policy holds the versioned discount policy catalog, the evaluator
// that selects the temporally-correct version for a decision, and the
// exception detector that turns evaluator output into structured exception
// records.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tier is an approval authority level. Tiers are ordered by the ceiling a
// policy version assigns them, not by name.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierManager    Tier = "manager"
	TierVP         Tier = "vp"
	TierEnterprise Tier = "enterprise-special"
)

// Version is one dated rule set. Windows are half-open
// [EffectiveFrom, EffectiveTo); a nil EffectiveTo means the version is
// current.
type Version struct {
	ID            string           `json:"version"`
	EffectiveFrom time.Time        `json:"effective_from"`
	EffectiveTo   *time.Time       `json:"effective_until,omitempty"`
	Limits        map[Tier]float64 `json:"limits"`
}

// Contains reports whether ts falls inside the version's effective window.
func (v Version) Contains(ts time.Time) bool {
	if ts.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo == nil || ts.Before(*v.EffectiveTo)
}

// StandardLimit returns the ceiling of the standard tier.
func (v Version) StandardLimit() float64 {
	return v.Limits[TierStandard]
}

// TiersByCeiling returns the version's tiers sorted by ascending ceiling.
func (v Version) TiersByCeiling() []Tier {
	tiers := make([]Tier, 0, len(v.Limits))
	for t := range v.Limits {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool {
		if v.Limits[tiers[i]] == v.Limits[tiers[j]] {
			return tiers[i] < tiers[j]
		}
		return v.Limits[tiers[i]] < v.Limits[tiers[j]]
	})
	return tiers
}

var (
	// ErrNoApplicablePolicy means the catalog is empty or the timestamp
	// predates every version. This is a catalog misconfiguration, not a
	// per-request condition.
	ErrNoApplicablePolicy = errors.New("no applicable policy version")

	// ErrVersionOverlap means an appended version would overlap an existing
	// window.
	ErrVersionOverlap = errors.New("policy version overlaps existing version")
)

// Catalog is an append-only, ordered log of policy versions. It is
// read-mostly; reads take a snapshot under a read lock.
type Catalog struct {
	mu       sync.RWMutex
	versions []Version // sorted by EffectiveFrom ascending
}

// NewCatalog builds a catalog from the given versions. Versions are sorted
// by EffectiveFrom; overlapping windows are rejected.
func NewCatalog(versions ...Version) (*Catalog, error) {
	c := &Catalog{}
	for _, v := range versions {
		if err := c.Append(v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append adds a version to the catalog. The new version must start at or
// after every existing version; the previous current version is closed at
// the new version's EffectiveFrom. Existing versions are never mutated in
// any other way.
func (c *Catalog) Append(v Version) error {
	if v.ID == "" {
		return errors.New("policy version id is required")
	}
	if len(v.Limits) == 0 {
		return fmt.Errorf("policy version %s has no tier limits", v.ID)
	}
	if _, ok := v.Limits[TierStandard]; !ok {
		return fmt.Errorf("policy version %s has no standard tier", v.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.versions); n > 0 {
		last := &c.versions[n-1]
		if v.EffectiveFrom.Before(last.EffectiveFrom) {
			return fmt.Errorf("%w: %s starts before %s", ErrVersionOverlap, v.ID, last.ID)
		}
		if last.EffectiveTo == nil {
			end := v.EffectiveFrom
			last.EffectiveTo = &end
		} else if v.EffectiveFrom.Before(*last.EffectiveTo) {
			return fmt.Errorf("%w: %s starts inside %s", ErrVersionOverlap, v.ID, last.ID)
		}
	}

	c.versions = append(c.versions, v)
	return nil
}

// VersionAt selects the version whose window contains ts. If no window
// contains it exactly (a gap), the version with the latest EffectiveFrom at
// or before ts is selected; policy history is monotonically effective and
// never interpolated.
func (c *Catalog) VersionAt(ts time.Time) (Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var found *Version
	for i := range c.versions {
		v := &c.versions[i]
		if v.Contains(ts) {
			return *v, nil
		}
		if !v.EffectiveFrom.After(ts) {
			found = v
		}
	}
	if found == nil {
		return Version{}, fmt.Errorf("%w: no version effective at %s", ErrNoApplicablePolicy, ts.UTC().Format(time.RFC3339))
	}
	return *found, nil
}

// Current returns the latest version.
func (c *Catalog) Current() (Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.versions) == 0 {
		return Version{}, ErrNoApplicablePolicy
	}
	return c.versions[len(c.versions)-1], nil
}

// Versions returns a snapshot of all versions in chronological order.
func (c *Catalog) Versions() []Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Version, len(c.versions))
	copy(out, c.versions)
	return out
}

// DefaultCatalog returns the discount policy history: v3.1 through
// mid-January 2026, v3.2 current.
func DefaultCatalog() *Catalog {
	v31End := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	c, err := NewCatalog(
		Version{
			ID:            "v3.1",
			EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			EffectiveTo:   &v31End,
			Limits: map[Tier]float64{
				TierStandard: 10,
				TierManager:  15,
				TierVP:       20,
			},
		},
		Version{
			ID:            "v3.2",
			EffectiveFrom: v31End,
			Limits: map[Tier]float64{
				TierStandard:   10,
				TierManager:    15,
				TierVP:         25,
				TierEnterprise: 30,
			},
		},
	)
	if err != nil {
		// The built-in catalog is static; a construction failure is a bug.
		panic(err)
	}
	return c
}
