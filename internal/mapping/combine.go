package mapping

import (
	"sort"

	"output-mapping/internal/config"
)

// CombineSources pairs every data item with each mapping entry naming it.
// Items without an entry pass through with a nil mapping. Output follows
// item order, then entry order.
func CombineSources(items []DataItem, entries []map[string]interface{}) []CombinedSource {
	byName := make(map[string][]int, len(entries))
	for i, e := range entries {
		name, _ := e[config.KeySource].(string)
		byName[name] = append(byName[name], i)
	}

	out := make([]CombinedSource, 0, len(items))
	for _, item := range items {
		idxs := byName[item.Name]
		if len(idxs) == 0 {
			out = append(out, CombinedSource{Item: item, MappingIndex: -1})
			continue
		}
		for _, i := range idxs {
			out = append(out, CombinedSource{Item: item, Mapping: entries[i], MappingIndex: i})
		}
	}
	return out
}

// AttachManifests sets each source's manifest by name. Sources without a
// manifest keep a nil one.
func AttachManifests(sources []CombinedSource, manifests []ManifestItem) []CombinedSource {
	byName := make(map[string]ManifestItem, len(manifests))
	for _, m := range manifests {
		byName[m.DataName()] = m
	}
	out := make([]CombinedSource, len(sources))
	for i, s := range sources {
		out[i] = s
		if m, ok := byName[s.Name()]; ok {
			m := m
			out[i].Manifest = &m
		}
	}
	return out
}

// UnmatchedEntries returns the source names of mapping entries that match no
// data item, in entry order without duplicates.
func UnmatchedEntries(items []DataItem, entries []map[string]interface{}) []string {
	present := make(map[string]struct{}, len(items))
	for _, item := range items {
		present[item.Name] = struct{}{}
	}
	var missing []string
	seen := map[string]struct{}{}
	for _, e := range entries {
		name, _ := e[config.KeySource].(string)
		if _, ok := present[name]; ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		missing = append(missing, name)
	}
	return missing
}

// OrphanedManifests returns manifests whose data item is missing, sorted by name.
func OrphanedManifests(items []DataItem, manifests []ManifestItem) []ManifestItem {
	present := make(map[string]struct{}, len(items))
	for _, item := range items {
		present[item.Name] = struct{}{}
	}
	var orphans []ManifestItem
	for _, m := range manifests {
		if _, ok := present[m.DataName()]; !ok {
			orphans = append(orphans, m)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Name < orphans[j].Name })
	return orphans
}

// WriteAlwaysEntry reports whether the raw mapping entry sets write_always.
// Used before resolution, when only the raw entry is known.
func WriteAlwaysEntry(entry map[string]interface{}) bool {
	b, _ := entry[config.KeyWriteAlways].(bool)
	return b
}
