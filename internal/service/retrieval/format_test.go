package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountWords(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"What is", 2},
		{"What is the weight of a Ross 308 male at 22 days", 12},
		{"  spaced   out  ", 2},
		{"hello, world!", 2},
		{"罗斯308公鸡", 5},
		{"体重是多少", 5},
		{"what's the dog's weight", 4},
		{"it’s fine", 2},
		{"version 1.1 ready", 3},
		{"well-known fact", 2},
		{"done. Next one", 3},
		{"a - b", 2},
		{"...hi", 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CountWords(tc.text), tc.text)
	}
}

func TestFormatContext(t *testing.T) {
	passages := []Passage{
		{Text: "first fact", Score: 0.9},
		{Text: "  ", Score: 0.8},
		{Text: "second fact", Score: 0.5},
	}
	assert.Equal(t, "[1] first fact\n[2] second fact", FormatContext(passages, 0))

	// the second passage does not fit and is dropped entirely
	assert.Equal(t, "[1] first fact", FormatContext(passages, 20))

	long := []Passage{{Text: strings.Repeat("知", 50)}}
	out := FormatContext(long, 10)
	assert.Equal(t, "[1] "+strings.Repeat("知", 6), out)
}
