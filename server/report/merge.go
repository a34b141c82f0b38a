package report

import "sort"

// Merge reconciles a freshly fetched remote batch with the locally cached
// collection. Remote entries win for shared IDs (the grid is the source of
// truth); local-only entries are kept, never dropped just because one remote
// fetch did not include them. The result is sorted newest-first, which is
// the canonical display order everywhere.
//
// Merge is idempotent: merging the same remote batch into its own result
// produces the same result again.
func Merge(remote, local []Report) []Report {
	merged := make([]Report, 0, len(remote)+len(local))
	seen := make(map[string]bool, len(remote))

	for _, r := range remote {
		if seen[r.ID] {
			// The grid should never return the same ID twice, but a
			// duplicate must not survive into the snapshot.
			continue
		}
		seen[r.ID] = true
		merged = append(merged, r)
	}

	for _, l := range local {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		merged = append(merged, l)
	}

	SortNewestFirst(merged)
	return merged
}

// IngestOne incorporates a single realtime-delivered report into an existing
// collection. If the ID is already present the existing slice is returned
// untouched, preserving order. This absorbs the same insert arriving twice
// (once from polling, once from push). Otherwise the report is prepended,
// since a realtime insert is newest by construction.
func IngestOne(existing []Report, incoming Report) []Report {
	for i := range existing {
		if existing[i].ID == incoming.ID {
			return existing
		}
	}

	out := make([]Report, 0, len(existing)+1)
	out = append(out, incoming)
	out = append(out, existing...)
	return out
}

// SortNewestFirst orders reports by timestamp descending in place. Ties
// break on ID so the order is stable across merges.
func SortNewestFirst(reports []Report) {
	sort.SliceStable(reports, func(i, j int) bool {
		if reports[i].Timestamp != reports[j].Timestamp {
			return reports[i].Timestamp > reports[j].Timestamp
		}
		return reports[i].ID < reports[j].ID
	})
}

// AppendComment adds a comment to the report with the given ID, keeping the
// comment list ordered by timestamp ascending and ignoring comment IDs that
// are already present. It returns true if the snapshot changed.
func AppendComment(reports []Report, reportID string, incoming Comment) bool {
	for i := range reports {
		if reports[i].ID != reportID {
			continue
		}
		for _, c := range reports[i].Comments {
			if c.ID == incoming.ID {
				return false
			}
		}
		reports[i].Comments = append(reports[i].Comments, incoming)
		sort.SliceStable(reports[i].Comments, func(a, b int) bool {
			return reports[i].Comments[a].Timestamp < reports[i].Comments[b].Timestamp
		})
		return true
	}
	return false
}
