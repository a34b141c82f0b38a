package hashtag

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
)

func TestGenerate_FullReport(t *testing.T) {
	r := report.Report{
		Type:     report.TypeWorkplace,
		Severity: report.SeverityHigh,
		Location: report.Location{
			Address: "Mission District, San Francisco, CA",
		},
	}

	result := Generate(r)

	expected := "🏷️ #High, #SanFrancisco, #CA, #Workplace, #Raid, #WorkplaceRaid"
	assert.Equal(t, expected, result)
}

func TestGenerate_SingleWordType(t *testing.T) {
	r := report.Report{
		Type:     report.TypeCheckpoint,
		Severity: report.SeverityLow,
	}

	result := Generate(r)

	assert.Equal(t, "🏷️ #Low, #Checkpoint", result)
}

func TestGenerate_MissingSeverityDefaultsToMedium(t *testing.T) {
	r := report.Report{
		Type: report.TypeCheckpoint,
	}

	result := Generate(r)

	assert.Equal(t, "🏷️ #Medium, #Checkpoint", result)
}

func TestGenerate_DeduplicatesCaseInsensitively(t *testing.T) {
	r := report.Report{
		Type:     report.TypeTransport,
		Severity: report.SeverityMedium,
		Location: report.Location{
			Address: "Transport Hub, Public Transport",
		},
	}

	result := Generate(r)

	// The area "PublicTransport" collides with the combined type tag.
	assert.Equal(t, "🏷️ #Medium, #TransportHub, #PublicTransport, #Public, #Transport", result)
}

func TestExtractTypeTags(t *testing.T) {
	t.Run("single word", func(t *testing.T) {
		assert.Equal(t, []string{"#Checkpoint"}, extractTypeTags("Checkpoint"))
	})

	t.Run("two words add a combined tag", func(t *testing.T) {
		assert.Equal(t, []string{"#Workplace", "#Raid", "#WorkplaceRaid"}, extractTypeTags("Workplace Raid"))
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Nil(t, extractTypeTags(""))
		assert.Nil(t, extractTypeTags("   "))
	})
}

func TestExtractAreaTags(t *testing.T) {
	t.Run("takes the trailing segments", func(t *testing.T) {
		assert.Equal(t, []string{"#SanFrancisco", "#CA"}, extractAreaTags("Mission District, San Francisco, CA"))
	})

	t.Run("single segment", func(t *testing.T) {
		assert.Equal(t, []string{"#Downtown"}, extractAreaTags("Downtown"))
	})

	t.Run("numeric segments are skipped", func(t *testing.T) {
		assert.Equal(t, []string{"#Springfield", "#IL"}, extractAreaTags("742 Evergreen Terrace, Springfield, IL"))
	})

	t.Run("empty address", func(t *testing.T) {
		assert.Nil(t, extractAreaTags(""))
	})
}

func TestCamelCase(t *testing.T) {
	assert.Equal(t, "SanFrancisco", camelCase("San Francisco"))
	assert.Equal(t, "CA", camelCase("CA"))
	assert.Equal(t, "NewYorkCity", camelCase("new york city"))
}
