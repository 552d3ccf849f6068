package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStrategyValid(t *testing.T) {
	for _, s := range []Strategy{StrategyExact, StrategySentence, StrategyParagraph, StrategySummarize} {
		assert.True(t, s.Valid(), "strategy %q", s)
	}
	assert.False(t, Strategy("word").Valid())
	assert.False(t, Strategy("").Valid())
}

func TestCaptureBoundaries(t *testing.T) {
	const content = "First sentence. Second one!\n\nNew paragraph begins. And trails off mid"

	cases := []struct {
		name     string
		strategy Strategy
		want     string
	}{
		{"exact keeps everything", StrategyExact, content},
		{"sentence drops the trailing partial", StrategySentence, "First sentence. Second one!\n\nNew paragraph begins. "},
		{"paragraph keeps through the blank line", StrategyParagraph, "First sentence. Second one!\n\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cp := Capture(content, 1, Options{Strategy: tc.strategy})
			assert.Equal(t, tc.want, cp.BoundaryText)
			assert.Equal(t, len(tc.want)/4, cp.TokensReceived)
			assert.Equal(t, 1, cp.Attempt)
		})
	}
}

func TestSentenceBoundaryWithoutTerminator(t *testing.T) {
	cp := Capture("no terminator anywhere", 1, Options{Strategy: StrategySentence})
	assert.Empty(t, cp.BoundaryText, "mid-word resume point must not be guessed")
	assert.Zero(t, cp.TokensReceived)
}

func TestParagraphBoundaryWithoutBlankLine(t *testing.T) {
	cp := Capture("one line\nanother line", 1, Options{Strategy: StrategyParagraph})
	assert.Empty(t, cp.BoundaryText)
}

func TestSummarizeKeepsFirstSentenceAndTail(t *testing.T) {
	head := "The opening sentence."
	filler := ""
	for i := 0; i < 100; i++ {
		filler += " more words here"
	}
	cp := Capture(head+filler, 1, Options{Strategy: StrategySummarize})
	assert.Contains(t, cp.BoundaryText, head)
	assert.Contains(t, cp.BoundaryText, "more words here")
	assert.Less(t, len(cp.BoundaryText), len(head+filler))
}

func TestSummarizeCustomFunc(t *testing.T) {
	cp := Capture("anything at all", 1, Options{
		Strategy:  StrategySummarize,
		Summarize: func(string) string { return "condensed" },
	})
	assert.Equal(t, "condensed", cp.BoundaryText)
}

func TestDefaultBudgetAdjust(t *testing.T) {
	assert.Equal(t, 700, DefaultBudgetAdjust(1000, 300))
	assert.Equal(t, 16, DefaultBudgetAdjust(100, 95), "floor applies near exhaustion")
	assert.Equal(t, 16, DefaultBudgetAdjust(100, 200), "overrun still returns the floor")
	assert.Equal(t, 0, DefaultBudgetAdjust(0, 500), "zero budget stays provider-default")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}

func TestBackoffSchedule(t *testing.T) {
	opts := Options{BaseBackoff: 500 * time.Millisecond, MaxBackoff: 8 * time.Second}
	assert.Equal(t, 500*time.Millisecond, Backoff(1, opts))
	assert.Equal(t, time.Second, Backoff(2, opts))
	assert.Equal(t, 2*time.Second, Backoff(3, opts))
	assert.Equal(t, 4*time.Second, Backoff(4, opts))
	assert.Equal(t, 8*time.Second, Backoff(5, opts))
	assert.Equal(t, 8*time.Second, Backoff(10, opts), "capped")
}

func TestWithDefaults(t *testing.T) {
	o := Options{}.WithDefaults()
	assert.Equal(t, StrategySentence, o.Strategy)
	assert.Equal(t, 3, o.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, o.BaseBackoff)
	assert.Equal(t, 8*time.Second, o.MaxBackoff)
	assert.NotNil(t, o.BudgetAdjust)
	assert.NotNil(t, o.Summarize)
}
