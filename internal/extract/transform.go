package extract

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	nonPriceChars  = regexp.MustCompile(`[^\d.,]`)
	nonLetterChars = regexp.MustCompile(`[^A-Za-zА-Яа-яЁёÀ-ÿ.]`)
	blankLines     = regexp.MustCompile(`\n{2,}`)
)

// descriptionLabel is the heading many shops render inside the description
// block itself.
const descriptionLabel = "Описание"

// ParsePrice normalizes a scraped price into a float with '.' as decimal
// separator. It returns -1 when nothing numeric survives.
//
// When both ',' and '.' appear, the right-most one is the decimal separator.
// A separator that repeats is grouping. A single separator followed by
// exactly three digits is grouping ("12,990" is twelve thousand), otherwise it
// is decimal.
func ParsePrice(raw string) float64 {
	s := nonPriceChars.ReplaceAllString(raw, "")
	s = strings.Trim(s, ".,")
	if s == "" {
		return -1
	}

	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimal := lastDot
		if lastComma > lastDot {
			decimal = lastComma
		}
		s = stripSeparators(s[:decimal]) + "." + stripSeparators(s[decimal+1:])
	case lastDot >= 0 || lastComma >= 0:
		sep := "."
		if lastComma >= 0 {
			sep = ","
		}
		idx := strings.LastIndex(s, sep)
		if strings.Count(s, sep) > 1 || len(s)-idx-1 == 3 {
			s = stripSeparators(s)
		} else {
			s = s[:idx] + "." + s[idx+1:]
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return -1
	}
	return v
}

func stripSeparators(s string) string {
	return strings.NewReplacer(".", "", ",", "").Replace(s)
}

// Letters keeps Latin, Cyrillic and Latin-1 letters plus '.', which is what
// currency and measure-unit labels ("тг.", "шт", "kg") are made of.
func Letters(raw string) string {
	return nonLetterChars.ReplaceAllString(raw, "")
}

// Cleanup strips layout noise from free text.
func Cleanup(text string) string {
	text = strings.NewReplacer("\t", "", "\r", "").Replace(text)
	text = blankLines.ReplaceAllString(strings.TrimSpace(text), "\n")
	text = strings.TrimPrefix(text, descriptionLabel)
	return strings.TrimSpace(text)
}
