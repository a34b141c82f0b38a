// Package hashtag derives searchable hashtags from report data, so channel
// members can filter mirrored reports with Mattermost's hashtag search.
package hashtag

import (
	"strings"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
)

// Generate creates formatted hashtag text from report data.
//
// Order of hashtags:
// 1. Severity (#High, #Medium, #Low)
// 2. Area (up to 2, from the location address)
// 3. Activity type words (deduplicated)
//
// Returns formatted string (e.g., "🏷️ #High, #SanFrancisco, #Checkpoint")
func Generate(r report.Report) string {
	var allTags []string

	allTags = append(allTags, extractSeverityTag(r.Severity))

	if r.Location.Address != "" {
		allTags = append(allTags, extractAreaTags(r.Location.Address)...)
	}

	allTags = append(allTags, extractTypeTags(string(r.Type))...)

	uniqueTags := deduplicateTags(allTags)

	return formatHashtagText(uniqueTags)
}

// extractSeverityTag renders the severity as the leading hashtag.
func extractSeverityTag(severity report.Severity) string {
	if severity == "" {
		return "#Medium"
	}
	return "#" + capitalizeFirst(string(severity))
}

// deduplicateTags removes duplicate tags (case-insensitive) while preserving order.
func deduplicateTags(tags []string) []string {
	seen := make(map[string]bool)
	var uniqueTags []string

	for _, tag := range tags {
		tagLower := strings.ToLower(tag)
		if !seen[tagLower] {
			uniqueTags = append(uniqueTags, tag)
			seen[tagLower] = true
		}
	}

	return uniqueTags
}

// formatHashtagText formats hashtags as comma-separated text with emoji prefix.
func formatHashtagText(tags []string) string {
	if len(tags) == 0 {
		return ""
	}

	return "🏷️ " + strings.Join(tags, ", ")
}

// capitalizeFirst capitalizes the first letter of a word.
func capitalizeFirst(word string) string {
	if len(word) == 0 {
		return ""
	}
	return strings.ToUpper(word[:1]) + strings.ToLower(word[1:])
}
