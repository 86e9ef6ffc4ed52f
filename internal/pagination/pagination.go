// Package pagination discovers how many listing pages a source has and
// expands its page template into concrete URLs.
package pagination

import (
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// Token is the placeholder replaced by the page number in a template.
const Token = "%swp-pagination%"

var leadingOrigin = regexp.MustCompile(`^(https?://[^/]+)`)

// Pages is the ordered page sequence 1..Last of one template.
type Pages struct {
	Template string
	Last     int
}

// Pattern derives the page-number regex for template. The scheme+host
// prefix is optional because navigation widgets often link relative to the
// host.
func Pattern(template string) (*regexp.Regexp, error) {
	if !strings.Contains(template, Token) {
		return nil, fmt.Errorf("%w: template %q has no %s token", crawler.ErrInvalidLocators, template, Token)
	}
	expr := strings.Replace(regexp.QuoteMeta(template), regexp.QuoteMeta(Token), `(\d+)`, 1)
	if strings.HasPrefix(expr, "http") {
		expr = leadingOrigin.ReplaceAllString(expr, `(?:${1})?`)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: compile pagination pattern: %v", crawler.ErrInvalidLocators, err)
	}
	return re, nil
}

// Resolve finds the highest page number linked from body. No match is
// ErrPaginationNotFound.
func Resolve(template string, body []byte) (Pages, error) {
	re, err := Pattern(template)
	if err != nil {
		return Pages{}, err
	}
	var numbers []int
	for _, m := range re.FindAllSubmatch(body, -1) {
		n, err := strconv.Atoi(string(m[1]))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		return Pages{}, fmt.Errorf("%w: no link matches %q", crawler.ErrPaginationNotFound, template)
	}
	slices.Sort(numbers)
	return Pages{Template: template, Last: numbers[len(numbers)-1]}, nil
}

// URL returns the concrete URL of page n.
func (p Pages) URL(n int) string {
	return strings.Replace(p.Template, Token, strconv.Itoa(n), 1)
}

// Chunks yields page URLs lazily in groups of at most size.
func (p Pages) Chunks(size int) iter.Seq[[]string] {
	if size <= 0 {
		size = 1
	}
	return func(yield func([]string) bool) {
		for start := 1; start <= p.Last; start += size {
			end := min(start+size-1, p.Last)
			chunk := make([]string, 0, end-start+1)
			for n := start; n <= end; n++ {
				chunk = append(chunk, p.URL(n))
			}
			if !yield(chunk) {
				return
			}
		}
	}
}
