package device

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/retune/pkg/audio"
)

const (
	// soundsLikeThreshold is the minimum Jaro-Winkler score for a device whose
	// name shares a Double Metaphone code with the selector.
	soundsLikeThreshold = 0.70

	// spellingThreshold applies when no name sounds like the selector.
	spellingThreshold = 0.85
)

// Suggest returns the device in dir whose name is closest to a selector that
// matched nothing, for "did you mean" hints. It never changes which device a
// selector resolves to.
//
// Names that sound like the selector (shared Double Metaphone code on any
// word) are preferred over names that are merely spelled alike; within each
// group the highest Jaro-Winkler score wins.
func Suggest(devs []audio.Device, selector string, dir Direction) (audio.Device, bool) {
	sel := strings.ToLower(strings.TrimSpace(selector))
	if sel == "" {
		return audio.Device{}, false
	}
	selWords := strings.Fields(sel)
	selCodes := metaphones(selWords)

	var (
		best      audio.Device
		bestScore float64
		bestSound bool
		found     bool
	)
	for _, d := range devs {
		if !dir.matches(d) {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if name == "" {
			continue
		}
		words := strings.Fields(name)
		score := similarity(selWords, words, sel, name)

		if sharesCode(selCodes, metaphones(words)) {
			if score < soundsLikeThreshold {
				continue
			}
			if !bestSound || score > bestScore {
				best, bestScore, bestSound, found = d, score, true, true
			}
			continue
		}
		if !bestSound && score >= spellingThreshold && score > bestScore {
			best, bestScore, found = d, score, true
		}
	}
	return best, found
}

func metaphones(words []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func sharesCode(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the whole strings, the
// strings without spaces, and every pair of words.
func similarity(selWords, nameWords []string, sel, name string) float64 {
	score := matchr.JaroWinkler(sel, name, false)
	if len(selWords) > 1 || len(nameWords) > 1 {
		score = max(score, matchr.JaroWinkler(strings.Join(selWords, ""), strings.Join(nameWords, ""), false))
	}
	for _, a := range selWords {
		for _, b := range nameWords {
			score = max(score, matchr.JaroWinkler(a, b, false))
		}
	}
	return score
}
