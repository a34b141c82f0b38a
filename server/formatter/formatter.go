// Package formatter renders reports and comments as Mattermost posts.
package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
)

// Severity colors
const (
	ColorHigh    = "#FF0000" // Red 🔴
	ColorMedium  = "#FF9900" // Orange 🟠
	ColorLow     = "#FFFF00" // Yellow 🟡
	ColorUnknown = "#808080" // Gray ⚪
)

// Severity emojis
const (
	EmojiHigh    = "🔴"
	EmojiMedium  = "🟠"
	EmojiLow     = "🟡"
	EmojiUnknown = "⚪"
)

// FormatReport converts a report into a Mattermost SlackAttachment with
// color coding, structured fields, and embedded media.
func FormatReport(r report.Report, now time.Time) *model.SlackAttachment {
	attachment := &model.SlackAttachment{}

	attachment.Text = fmt.Sprintf("#### %s %s", getSeverityEmoji(r.Severity), r.Type)
	attachment.Color = getSeverityColor(r.Severity)

	var fields []*model.SlackAttachmentField

	fields = append(fields, &model.SlackAttachmentField{
		Title: "Reported",
		Value: formatTime(r.Time()),
		Short: true,
	})

	fields = append(fields, &model.SlackAttachmentField{
		Title: "Status",
		Value: formatBucket(report.Classify(&r, now), r.Age(now)),
		Short: true,
	})

	if loc := formatLocation(r.Location); loc != "" {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Location",
			Value: loc,
			Short: false,
		})
	}

	if r.Description != "" {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Description",
			Value: truncateText(r.Description, 500),
			Short: false,
		})
	}

	if r.Analysis != "" {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Analysis",
			Value: truncateText(r.Analysis, 500),
			Short: false,
		})
	}

	if r.MediaURL != "" && r.MediaType != "image" {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Media",
			Value: fmt.Sprintf("[Attachment](%s)", r.MediaURL),
			Short: false,
		})
	}

	attachment.Fields = fields

	// Images embed directly; other media stays a link field.
	if r.MediaURL != "" && r.MediaType == "image" {
		attachment.ImageURL = r.MediaURL
	}

	footer := "Sector Watch"
	if r.IsVerified {
		footer += " | Verified"
	}
	if r.IsAnonymous {
		footer += " | Anonymous"
	}
	attachment.Footer = footer

	return attachment
}

// FormatProximityAlert builds the direct message text for a watcher whose
// geofence contains the report.
func FormatProximityAlert(r report.Report, distanceMiles float64) string {
	return fmt.Sprintf("%s **%s reported %.1f mi from your watch location**",
		getSeverityEmoji(r.Severity), r.Type, distanceMiles)
}

// FormatComment renders one comment as thread reply text.
func FormatComment(c report.Comment) string {
	author := "Community member"
	if c.IsAnonymous {
		author = "Anonymous"
	}
	return fmt.Sprintf("**%s** (%s):\n%s", author, formatTime(time.UnixMilli(c.Timestamp)), c.Text)
}

// getSeverityColor returns the color code for a severity
func getSeverityColor(severity report.Severity) string {
	switch severity {
	case report.SeverityHigh:
		return ColorHigh
	case report.SeverityMedium:
		return ColorMedium
	case report.SeverityLow:
		return ColorLow
	default:
		return ColorUnknown
	}
}

// getSeverityEmoji returns the emoji for a severity
func getSeverityEmoji(severity report.Severity) string {
	switch severity {
	case report.SeverityHigh:
		return EmojiHigh
	case report.SeverityMedium:
		return EmojiMedium
	case report.SeverityLow:
		return EmojiLow
	default:
		return EmojiUnknown
	}
}

// formatTime formats a time.Time to a readable string
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

// formatBucket renders the temporal status with the report's age.
func formatBucket(b report.Bucket, age time.Duration) string {
	switch b {
	case report.BucketActive:
		return fmt.Sprintf("Active (%s ago)", formatAge(age))
	case report.BucketExpired:
		return fmt.Sprintf("Expired (%s ago)", formatAge(age))
	default:
		return fmt.Sprintf("Past (%s ago)", formatAge(age))
	}
}

// formatAge renders a duration in the largest useful unit.
func formatAge(age time.Duration) string {
	switch {
	case age < time.Minute:
		return "moments"
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(age.Hours()), int(age.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}

// formatLocation formats a Location struct to a readable string
func formatLocation(loc report.Location) string {
	parts := []string{}

	if loc.Address != "" {
		parts = append(parts, loc.Address)
	}

	if loc.Lat != 0 || loc.Lng != 0 {
		parts = append(parts, fmt.Sprintf("(%.6f, %.6f)", loc.Lat, loc.Lng))
	}

	return strings.Join(parts, " ")
}

// truncateText truncates text to maxLen characters, adding "..." if truncated
func truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
