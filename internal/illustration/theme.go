package illustration

import (
	"strings"
	"time"
)

// fallbackTheme is used when the configured theme list is empty.
const fallbackTheme = "a simple black and white pixel art picture"

// styleQualifiers keep generated images legible at one bit per pixel.
const styleQualifiers = "very simple, minimalist, clean white background"

// ThemeFor picks the theme for a calendar day. The choice depends only on
// the day of the year so every process generating for the same date asks
// for the same subject.
func ThemeFor(date time.Time, themes []string) string {
	if len(themes) == 0 {
		return fallbackTheme
	}
	return themes[date.YearDay()%len(themes)]
}

// Prompt wraps a theme with the fixed low-bit-depth style qualifiers.
func Prompt(theme string) string {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		theme = fallbackTheme
	}
	return "8-bit " + theme + ", " + styleQualifiers
}
