package karma

import (
	"regexp"
	"strings"
)

// Reaction emoji that move karma. Any heart counts as positive.
var (
	positiveEmoji = set("👍", "🔥", "❤️", "💙", "💚", "💛", "🧡", "💜", "🤎", "🖤", "🤍", "❤️‍🔥", "💖", "💗", "💓", "💕")
	negativeEmoji = set("👎", "💩", "🤮")
)

// Reply words that give the replied-to author a point.
var positiveWords = []string{"+", "класс", "согл", "+реп", "спасибо", "круто", "топ"}

var junk = regexp.MustCompile(`[^\p{L}\p{N}_\s+]+`)

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func normalizeText(s string) string {
	return junk.ReplaceAllString(strings.ToLower(s), " ")
}

// MatchesPositive reports whether a reply text carries one of the positive
// trigger words as a whole word.
func MatchesPositive(text string) bool {
	t := normalizeText(text)
	if strings.TrimSpace(t) == "+" {
		return true
	}
	words := strings.Fields(t)
	for _, w := range words {
		for _, p := range positiveWords {
			if w == p {
				return true
			}
		}
	}
	return false
}

// ReactionDelta scores a reaction change: added positive and removed
// negative emoji count up, the reverse counts down. Unknown emoji are
// ignored.
func ReactionDelta(old, new []string) int {
	before := set(old...)
	after := set(new...)

	delta := 0
	for e := range after {
		if _, ok := before[e]; ok {
			continue
		}
		delta += score(e)
	}
	for e := range before {
		if _, ok := after[e]; ok {
			continue
		}
		delta -= score(e)
	}
	return delta
}

func score(emoji string) int {
	if _, ok := positiveEmoji[emoji]; ok {
		return 1
	}
	if _, ok := negativeEmoji[emoji]; ok {
		return -1
	}
	return 0
}

func clamp(delta int) int {
	switch {
	case delta > 0:
		return 1
	case delta < 0:
		return -1
	}
	return 0
}
