package manifest

import "sort"

// Changes lists the tool ids that changed between two manifests.
type Changes struct {
	Added          []string `json:"added"`
	Removed        []string `json:"removed"`
	VersionChanged []string `json:"versionChanged"`
}

// Empty reports whether the manifests carry the same tools at the same versions.
func (d Changes) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.VersionChanged) == 0
}

// Diff computes the difference between previous and current. A nil
// previous manifest reports every current tool as added.
func Diff(previous, current *Manifest) Changes {
	prev := versionsByID(previous)
	curr := versionsByID(current)

	var d Changes
	for id, version := range curr {
		old, ok := prev[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case old != version:
			d.VersionChanged = append(d.VersionChanged, id)
		}
	}
	for id := range prev {
		if _, ok := curr[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.VersionChanged)
	return d
}

func versionsByID(m *Manifest) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m.Tools))
	for _, t := range m.Tools {
		out[t.ID] = t.Version
	}
	return out
}
