package tracker

import (
	"sort"

	"github.com/yairfalse/vahti/pkg/resource"
)

// AttributeSets groups the configured attribute name sets.
type AttributeSets struct {
	Observed  []string
	Excluded  []string
	Collected []string
}

// MonitoredNames returns the attributes that drive change detection: the
// observed set when configured, otherwise every attribute in the snapshot
// that is neither excluded nor collected.
func (a AttributeSets) MonitoredNames(snapshot resource.Snapshot) []string {
	if len(a.Observed) > 0 {
		names := make([]string, 0, len(a.Observed))
		for _, n := range a.Observed {
			if !contains(a.Collected, n) {
				names = append(names, n)
			}
		}
		return names
	}

	names := make([]string, 0, len(snapshot))
	for _, n := range snapshot.Names() {
		if contains(a.Excluded, n) || contains(a.Collected, n) {
			continue
		}
		names = append(names, n)
	}
	return names
}

// CachedQueryNames returns the fixed list of attributes to query, or nil
// when attributes must be discovered per resource. The list is only fixed
// when an observed set is configured: observed plus collected, sorted.
func (a AttributeSets) CachedQueryNames() []string {
	if len(a.Observed) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a.Observed)+len(a.Collected))
	names := make([]string, 0, len(a.Observed)+len(a.Collected))
	for _, set := range [][]string{a.Observed, a.Collected} {
		for _, n := range set {
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// QueryNames filters the attributes a resource exposes: excluded names are
// skipped unless they are also collected.
func (a AttributeSets) QueryNames(available []string) []string {
	names := make([]string, 0, len(available))
	for _, n := range available {
		if contains(a.Excluded, n) && !contains(a.Collected, n) {
			continue
		}
		names = append(names, n)
	}
	return names
}

func contains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}
