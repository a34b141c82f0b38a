package hashtag

import "strings"

// extractTypeTags extracts hashtags from an activity type name.
//
// Algorithm:
// 1. Create a hashtag for every word except "and"
// 2. For multi-word types, also create a combined CamelCase hashtag
//
// Examples:
//   - "Checkpoint" -> #Checkpoint
//   - "Workplace Raid" -> #Workplace, #Raid, #WorkplaceRaid
//   - "Public Transport" -> #Public, #Transport, #PublicTransport
//
// Deduplication happens later.
func extractTypeTags(typeName string) []string {
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		return nil
	}

	words := strings.Fields(typeName)
	if len(words) == 0 {
		return nil
	}

	var tags []string
	var combined strings.Builder

	for _, word := range words {
		if strings.ToLower(word) == "and" {
			combined.WriteString("And")
			continue
		}
		tags = append(tags, "#"+capitalizeFirst(word))
		combined.WriteString(capitalizeFirst(word))
	}

	if len(words) > 1 {
		tags = append(tags, "#"+combined.String())
	}

	return tags
}
