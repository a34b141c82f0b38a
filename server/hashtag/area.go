package hashtag

import "strings"

// maxAreaTags limits how many address segments become hashtags.
const maxAreaTags = 2

// extractAreaTags extracts hashtags from a location address.
//
// Addresses are comma-separated, most specific first ("Mission District,
// San Francisco, CA"). The trailing segments name the broadest areas, which
// make the most useful search tags, so the last maxAreaTags segments win.
//
// Examples:
//   - "Mission District, San Francisco, CA" -> #SanFrancisco, #CA
//   - "Downtown" -> #Downtown
//
// Deduplication happens later.
func extractAreaTags(address string) []string {
	segments := strings.Split(address, ",")

	var candidates []string
	for _, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" || isNumericSegment(segment) {
			continue
		}
		candidates = append(candidates, segment)
	}

	if len(candidates) > maxAreaTags {
		candidates = candidates[len(candidates)-maxAreaTags:]
	}

	var tags []string
	for _, candidate := range candidates {
		tags = append(tags, "#"+camelCase(candidate))
	}

	return tags
}

// isNumericSegment filters out street numbers and postal codes.
func isNumericSegment(segment string) bool {
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

// camelCase converts text to CamelCase by capitalizing the first letter of
// each word and removing spaces. Short all-caps segments (state codes) are
// kept as-is.
func camelCase(text string) string {
	words := strings.Fields(text)
	var result strings.Builder

	for _, word := range words {
		if len(word) <= 3 && word == strings.ToUpper(word) {
			result.WriteString(word)
			continue
		}
		result.WriteString(capitalizeFirst(word))
	}

	return result.String()
}
