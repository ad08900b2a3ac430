package zruntime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ABIVersion is the version of the entry table below. Code generators bind
// entries by name and check the version before they do.
const ABIVersion = "1.3.0"

var abiVersion = semver.MustParse(ABIVersion)

// CheckABI reports whether the entry table satisfies a generator's version
// constraint, for example "^1.2". An empty constraint accepts any version.
func CheckABI(constraint string) error {
	expr := strings.TrimSpace(constraint)
	if expr == "" {
		expr = ">=0.0.0"
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return fmt.Errorf("invalid ABI constraint %q: %w", constraint, err)
	}
	if ok, errs := c.Validate(abiVersion); !ok {
		if len(errs) > 0 {
			return fmt.Errorf("barrier ABI %s does not satisfy %s: %w", ABIVersion, c, errs[0])
		}
		return fmt.Errorf("barrier ABI %s does not satisfy %s", ABIVersion, c)
	}
	return nil
}

// Entry is one named entry point.
type Entry struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Func any    `json:"-"`
}

// Entries returns the entry table sorted by name.
func (r *Runtime) Entries() []Entry {
	entries := []Entry{
		{"load_barrier_on_oop_field_preloaded", "load", LoadEntry(r.LoadBarrierOnOopFieldPreloaded)},
		{"load_barrier_on_weak_oop_field_preloaded", "load", LoadEntry(r.LoadBarrierOnWeakOopFieldPreloaded)},
		{"load_barrier_on_phantom_oop_field_preloaded", "load", LoadEntry(r.LoadBarrierOnPhantomOopFieldPreloaded)},
		{"weak_load_barrier_on_oop_field_preloaded", "load", LoadEntry(r.WeakLoadBarrierOnOopFieldPreloaded)},
		{"weak_load_barrier_on_weak_oop_field_preloaded", "load", LoadEntry(r.WeakLoadBarrierOnWeakOopFieldPreloaded)},
		{"weak_load_barrier_on_phantom_oop_field_preloaded", "load", LoadEntry(r.WeakLoadBarrierOnPhantomOopFieldPreloaded)},
		{"load_barrier_on_oop_array", "array", ArrayEntry(r.LoadBarrierOnOopArray)},
		{"clone", "clone", CloneEntry(r.Clone)},
		{"check_value", "check", CheckEntry(r.CheckValue)},
		{"check_c1_value", "check", CheckEntry(r.CheckC1Value)},
		{"check_c2_value", "check", CheckEntry(r.CheckC2Value)},
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Lookup returns the entry with the given name.
func (r *Runtime) Lookup(name string) (Entry, bool) {
	for _, e := range r.Entries() {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}
