package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

// Passage 检索服务返回的一条知识片段。
type Passage struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// CountWords counts whitespace separated words. Each Han character is a
// word of its own, so Chinese utterances reach the prefetch threshold too.
// Apostrophes, dots and hyphens between letters or digits stay inside the
// word: "what's", "1.1" and "well-known" are one word each.
func CountWords(text string) int {
	runes := []rune(text)
	count := 0
	inWord := false
	for i, r := range runes {
		switch {
		case unicode.Is(unicode.Han, r):
			count++
			inWord = false
		case unicode.IsSpace(r):
			inWord = false
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			if inWord && isJoiner(r) && i+1 < len(runes) && isWordRune(runes[i+1]) {
				continue
			}
			inWord = false
		default:
			if !inWord {
				count++
				inWord = true
			}
		}
	}
	return count
}

func isJoiner(r rune) bool {
	switch r {
	case '\'', '’', '.', '-':
		return true
	}
	return false
}

func isWordRune(r rune) bool {
	return (unicode.IsLetter(r) || unicode.IsDigit(r)) && !unicode.Is(unicode.Han, r)
}

// FormatContext renders passages as a numbered list capped at maxChars
// runes. Only the first passage is truncated to fit; the list stops at the
// first later passage that does not fit whole.
func FormatContext(passages []Passage, maxChars int) string {
	var builder strings.Builder
	remaining := maxChars
	n := 0
	for _, p := range passages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		n++
		line := fmt.Sprintf("[%d] %s", n, text)
		if builder.Len() > 0 {
			line = "\n" + line
		}
		size := utf8.RuneCountInString(line)
		if maxChars > 0 && size > remaining {
			if builder.Len() == 0 {
				builder.WriteString(truncateRunes(line, remaining))
			}
			break
		}
		builder.WriteString(line)
		remaining -= size
	}
	return builder.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for idx := range s {
		if i == n {
			return s[:idx]
		}
		i++
	}
	return s
}

// passagesFromDocuments orders documents by score, highest first.
func passagesFromDocuments(docs []*schema.Document) []Passage {
	passages := make([]Passage, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		passages = append(passages, Passage{Text: doc.Content, Score: doc.Score()})
	}
	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].Score > passages[j].Score
	})
	return passages
}
