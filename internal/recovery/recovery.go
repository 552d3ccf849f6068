// Package recovery captures resumption checkpoints for interrupted streams
// and decides where the continuation seam sits. The boundary strategies
// guarantee the seam is never mid-word: sentence and paragraph truncate the
// accumulated content back to the last complete unit, discarding the
// trailing partial.
package recovery

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Strategy selects the resumption boundary.
type Strategy string

const (
	// StrategyExact resumes from the exact content already delivered.
	StrategyExact Strategy = "exact"
	// StrategySentence truncates back to the last complete sentence.
	StrategySentence Strategy = "sentence"
	// StrategyParagraph truncates back to the last complete paragraph.
	StrategyParagraph Strategy = "paragraph"
	// StrategySummarize embeds a summary instead of verbatim continuation,
	// for producers that cannot be told to continue exactly.
	StrategySummarize Strategy = "summarize"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyExact, StrategySentence, StrategyParagraph, StrategySummarize:
		return true
	}
	return false
}

// Checkpoint is the state captured at the moment of interruption.
type Checkpoint struct {
	// BoundaryText is the content the session keeps; the resumed producer
	// continues immediately after it.
	BoundaryText string
	// TokensReceived approximates tokens already delivered, used to shrink
	// the remaining budget so delivered output is never billed twice.
	TokensReceived int
	// Attempt numbers this recovery, starting at 1.
	Attempt    int
	CapturedAt time.Time
}

// BudgetAdjustFunc computes the remaining-token budget for a continuation
// request. Exposed as a hook because provider billing arithmetic differs.
type BudgetAdjustFunc func(originalBudget, tokensReceived int) int

// SummarizeFunc condenses accumulated content for StrategySummarize.
type SummarizeFunc func(content string) string

// Options configures checkpoint capture and the retry schedule.
type Options struct {
	Strategy     Strategy
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	BudgetAdjust BudgetAdjustFunc
	Summarize    SummarizeFunc
}

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 8 * time.Second

	// minRemainingTokens keeps a resume from requesting a zero-length
	// completion when the original budget is nearly spent.
	minRemainingTokens = 16

	// summaryTailRunes bounds the verbatim tail kept by the default
	// summarizer.
	summaryTailRunes = 240

	// tokensPerByte approximates provider tokenization for plain text.
	bytesPerToken = 4
)

// WithDefaults fills unset options.
func (o Options) WithDefaults() Options {
	if !o.Strategy.Valid() {
		o.Strategy = StrategySentence
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.BudgetAdjust == nil {
		o.BudgetAdjust = DefaultBudgetAdjust
	}
	if o.Summarize == nil {
		o.Summarize = defaultSummarize
	}
	return o
}

// DefaultBudgetAdjust subtracts received tokens from the original budget,
// never dropping below a small floor. A zero original budget stays zero so
// providers keep applying their own default.
func DefaultBudgetAdjust(originalBudget, tokensReceived int) int {
	if originalBudget <= 0 {
		return 0
	}
	remaining := originalBudget - tokensReceived
	if remaining < minRemainingTokens {
		remaining = minRemainingTokens
	}
	return remaining
}

// EstimateTokens approximates the token count of delivered content.
func EstimateTokens(content string) int {
	return len(content) / bytesPerToken
}

// Capture builds the checkpoint for one recovery attempt from the content
// accumulated so far.
func Capture(content string, attempt int, opts Options) Checkpoint {
	opts = opts.WithDefaults()
	var boundary string
	switch opts.Strategy {
	case StrategyExact:
		boundary = content
	case StrategySentence:
		boundary = truncateToSentence(content)
	case StrategyParagraph:
		boundary = truncateToParagraph(content)
	case StrategySummarize:
		boundary = opts.Summarize(content)
	}
	return Checkpoint{
		BoundaryText:   boundary,
		TokensReceived: EstimateTokens(boundary),
		Attempt:        attempt,
		CapturedAt:     time.Now(),
	}
}

// Backoff returns the delay before the given attempt: base doubled per
// attempt, capped.
func Backoff(attempt int, opts Options) time.Duration {
	opts = opts.WithDefaults()
	d := opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= opts.MaxBackoff {
			return opts.MaxBackoff
		}
	}
	if d > opts.MaxBackoff {
		d = opts.MaxBackoff
	}
	return d
}

// truncateToSentence keeps content up to the last sentence terminator
// (. ! ?), including trailing whitespace after it. No terminator keeps
// nothing rather than resuming mid-word from an unknown spot.
func truncateToSentence(content string) string {
	end := -1
	for i, r := range content {
		switch r {
		case '.', '!', '?':
			end = i + utf8.RuneLen(r)
		}
	}
	if end < 0 {
		return ""
	}
	// Keep whitespace that followed the terminator so the resumed text
	// does not need to re-emit it.
	for end < len(content) {
		r, size := utf8.DecodeRuneInString(content[end:])
		if r != ' ' && r != '\n' && r != '\t' {
			break
		}
		end += size
	}
	return content[:end]
}

// truncateToParagraph keeps content up to the last blank line.
func truncateToParagraph(content string) string {
	idx := strings.LastIndex(content, "\n\n")
	if idx < 0 {
		return ""
	}
	return content[:idx+2]
}

// defaultSummarize keeps the opening sentence and a verbatim tail. The
// engine cannot call a model to summarize, so callers wanting a semantic
// summary supply their own SummarizeFunc.
func defaultSummarize(content string) string {
	if content == "" {
		return ""
	}
	first := content
	for i, r := range content {
		if r == '.' || r == '!' || r == '?' {
			first = content[:i+utf8.RuneLen(r)]
			break
		}
	}
	tail := content
	if r := []rune(content); len(r) > summaryTailRunes {
		tail = string(r[len(r)-summaryTailRunes:])
	}
	if first == content || strings.HasSuffix(first, tail) {
		return first
	}
	return first + " […] " + tail
}
