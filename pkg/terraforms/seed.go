package terraforms

import (
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrSeedNotFound is returned when a token document carries no SEED assignment.
var ErrSeedNotFound = errors.New("seed not found in token html")

var seedPattern = regexp.MustCompile(`SEED=(.*?);`)

// ExtractSeed returns the value of the first SEED=<value>; assignment in html.
// Script elements are searched first; the whole document is the fallback.
func ExtractSeed(html string) (string, error) {
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		var seed string
		doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if m := seedPattern.FindStringSubmatch(s.Text()); m != nil {
				seed = m[1]
				return false
			}
			return true
		})
		if seed != "" {
			return seed, nil
		}
	}

	if m := seedPattern.FindStringSubmatch(html); m != nil {
		return m[1], nil
	}
	return "", ErrSeedNotFound
}
