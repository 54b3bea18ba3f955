package avatar

import (
	"crypto/sha256"
	"fmt"
	"html"
	"strings"
)

// InitialsSVG renders the placeholder shown for callers without an avatar.
// The colour is derived from seed (the user id) so it is stable per caller.
func InitialsSVG(label, seed string) []byte {
	initials := html.EscapeString(extractInitials(label))
	color := deterministicColor(seed + label)
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="256" height="256" viewBox="0 0 256 256">
  <rect width="256" height="256" rx="128" fill="%s"/>
  <text x="128" y="128" dy=".35em" text-anchor="middle"
        font-family="sans-serif" font-size="100" font-weight="600" fill="#fff">%s</text>
</svg>`, color, initials)
	return []byte(svg)
}

func extractInitials(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "?"
	}
	parts := strings.Fields(label)
	if len(parts) >= 2 {
		return strings.ToUpper(string([]rune(parts[0])[:1]) + string([]rune(parts[1])[:1]))
	}
	r := []rune(parts[0])
	if len(r) >= 2 {
		return strings.ToUpper(string(r[:2]))
	}
	return strings.ToUpper(string(r[:1]))
}

var palette = []string{
	"#e74c3c", "#e67e22", "#f1c40f", "#2ecc71", "#1abc9c",
	"#3498db", "#9b59b6", "#e91e63", "#00bcd4", "#ff5722",
	"#607d8b", "#795548", "#8bc34a", "#673ab7",
}

func deterministicColor(s string) string {
	h := sha256.Sum256([]byte(s))
	idx := int(h[0]) % len(palette)
	return palette[idx]
}
