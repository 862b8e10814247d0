package translate

import (
	"fmt"
	"strconv"
	"strings"
)

// sizeTable maps the common OpenAI pixel sizes onto upstream aspect ratios.
// Anything else is reduced by GCD.
var sizeTable = map[string]string{
	"256x256":   "1:1",
	"512x512":   "1:1",
	"1024x1024": "1:1",
	"2048x2048": "1:1",
	"1792x1024": "16:9",
	"1024x1792": "9:16",
	"1152x768":  "3:2",
	"768x1152":  "2:3",
}

// AspectRatio converts an OpenAI "WxH" size into the upstream's ratio form.
// Returns "" for an empty or unparsable size.
func AspectRatio(size string) string {
	if size == "" {
		return ""
	}
	if ratio, ok := sizeTable[size]; ok {
		return ratio
	}

	parts := strings.SplitN(strings.ToLower(size), "x", 2)
	if len(parts) != 2 {
		return ""
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return ""
	}

	g := gcd(w, h)
	return fmt.Sprintf("%d:%d", w/g, h/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
