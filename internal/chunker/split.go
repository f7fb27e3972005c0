package chunker

import "strings"

// split cuts text into parts within the token budget, preferring paragraph
// boundaries, then lines or sentences, then words.
func split(text string, maxTokens int) []string {
	if EstimateTokens(text) <= maxTokens {
		return []string{text}
	}
	return pack(paragraphs(text), "\n\n", maxTokens, func(p string) []string {
		if strings.Contains(p, "\n") {
			return pack(strings.Split(p, "\n"), "\n", maxTokens, func(line string) []string {
				return splitWords(line, maxTokens)
			})
		}
		return pack(sentences(p), " ", maxTokens, func(s string) []string {
			return splitWords(s, maxTokens)
		})
	})
}

func splitWords(s string, maxTokens int) []string {
	return pack(strings.Fields(s), " ", maxTokens, func(word string) []string {
		return splitRunes(word, maxTokens)
	})
}

// pack greedily joins units while they fit the budget. Units that are too
// large on their own are handed to finer.
func pack(units []string, sep string, maxTokens int, finer func(string) []string) []string {
	var out []string
	var cur []string
	curTokens := 0
	flush := func() {
		if len(cur) == 0 {
			return
		}
		if joined := strings.TrimSpace(strings.Join(cur, sep)); joined != "" {
			out = append(out, joined)
		}
		cur = nil
		curTokens = 0
	}
	for _, u := range units {
		if strings.TrimSpace(u) == "" {
			continue
		}
		t := EstimateTokens(u)
		if t > maxTokens {
			flush()
			out = append(out, finer(u)...)
			continue
		}
		if curTokens+t > maxTokens {
			flush()
		}
		cur = append(cur, u)
		curTokens += t
	}
	flush()
	return out
}

func paragraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sentences(p string) []string {
	var out []string
	var cur []string
	for _, w := range strings.Fields(p) {
		cur = append(cur, w)
		if endsSentence(w) {
			out = append(out, strings.Join(cur, " "))
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

func endsSentence(w string) bool {
	for _, suffix := range []string{".", "!", "?", "。", "！", "？"} {
		if strings.HasSuffix(w, suffix) {
			return true
		}
	}
	return false
}

// splitRunes is the last resort for a single word over budget, which only
// happens for long runs of CJK text.
func splitRunes(word string, maxTokens int) []string {
	size := maxTokens - 1
	if size < 1 {
		size = 1
	}
	runes := []rune(word)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
