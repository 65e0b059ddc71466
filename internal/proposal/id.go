package proposal

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// NewID builds "YYYY-MM-DD_topic_words-xxxxxx". Topic words are lowercased
// and stripped to letters, digits and hyphens so the id is always a single
// safe path element.
func NewID(topic string, now time.Time, suffix string) string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(topic)) {
		w = strings.Map(func(r rune) rune {
			if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
				return r
			}
			return -1
		}, w)
		if w != "" {
			words = append(words, w)
		}
	}
	slug := strings.Join(words, "_")
	if slug == "" {
		slug = "proposal"
	}
	id := now.UTC().Format("2006-01-02") + "_" + slug
	if suffix != "" {
		id += "-" + suffix
	}
	return id
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
