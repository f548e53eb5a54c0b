package project

// MergeRaw deep-merges src over dst per the storage backend's merge=true
// contract: maps union with src winning per overlapping key, lists prepend
// (src items first, followed by dst's existing items), scalars are replaced.
// dst is not mutated; the merged value is returned.
func MergeRaw(dst, src any) any {
	switch s := src.(type) {
	case map[string]any:
		d, ok := dst.(map[string]any)
		if !ok {
			d = map[string]any{}
		}
		out := make(map[string]any, len(d)+len(s))
		for k, v := range d {
			out[k] = v
		}
		for k, v := range s {
			if existing, ok := out[k]; ok {
				out[k] = MergeRaw(existing, v)
			} else {
				out[k] = v
			}
		}
		return out
	case []any:
		d, _ := dst.([]any)
		out := make([]any, 0, len(s)+len(d))
		out = append(out, s...)
		out = append(out, d...)
		return out
	default:
		return src
	}
}

// MergeDocuments merges src over dst at the whole-document level using
// MergeRaw on each reserved namespace and on the union of environment names.
func MergeDocuments(dst, src *Document) *Document {
	if dst == nil {
		dst = New()
	}
	if src == nil {
		return dst.Clone()
	}
	out := New()
	out.Default = mergeEntrySets(dst.Default, src.Default)
	out.Environ = mergeEntrySets(dst.Environ, src.Environ)
	out.Parent = mergeParents(dst.Parent, src.Parent)
	out.History = dst.History
	if out.History == nil {
		out.History = map[string]map[string][]HistoryRecord{}
	}
	for env, set := range dst.Environments {
		out.Environments[env] = cloneEntrySet(set)
	}
	for env, set := range src.Environments {
		if existing, ok := out.Environments[env]; ok {
			out.Environments[env] = mergeEntrySets(existing, set)
		} else {
			out.Environments[env] = cloneEntrySet(set)
		}
	}
	return out
}

func mergeEntrySets(dst, src EntrySet) EntrySet {
	out := make(EntrySet, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func mergeParents(dst, src []string) []string {
	out := make([]string, 0, len(dst)+len(src))
	seen := make(map[string]struct{}, len(dst)+len(src))
	for _, p := range src {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range dst {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
