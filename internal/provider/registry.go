package provider

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tokligence/streamflow/internal/stream"
)

// ContinuationFormatter builds the request used to resume an interrupted
// stream: the original instructions plus a directive to continue from the
// boundary text, with the remaining token budget already adjusted so
// delivered output is never requested (or billed) twice.
type ContinuationFormatter func(req ChatRequest, boundaryText string, remainingBudget int) ChatRequest

// Strategy bundles the per-family behaviours chosen once at session setup.
type Strategy struct {
	Family       string
	Parse        stream.ParseFunc
	Continuation ContinuationFormatter
}

// Registry maps model-name prefixes to strategies. First the longest
// matching pattern wins, so "gpt-4" can override "gpt".
type Registry struct {
	patterns map[string]Strategy
}

// NewRegistry returns a registry preloaded with the built-in families.
func NewRegistry() *Registry {
	r := &Registry{patterns: make(map[string]Strategy)}
	r.Register("gpt", OpenAIStrategy())
	r.Register("o1", OpenAIStrategy())
	r.Register("claude", AnthropicStrategy())
	return r
}

// Register adds or replaces the strategy for a model-name prefix.
func (r *Registry) Register(pattern string, s Strategy) {
	r.patterns[strings.ToLower(pattern)] = s
}

// Lookup selects the strategy whose pattern is the longest prefix of the
// model name. Unknown models fall back to the OpenAI frame shape.
func (r *Registry) Lookup(model string) Strategy {
	m := strings.ToLower(model)
	best := ""
	for p := range r.patterns {
		if strings.HasPrefix(m, p) && len(p) > len(best) {
			best = p
		}
	}
	if best == "" {
		return OpenAIStrategy()
	}
	return r.patterns[best]
}

// OpenAIStrategy parses OpenAI delta frames and resumes with an appended
// user instruction.
func OpenAIStrategy() Strategy {
	return Strategy{
		Family:       "openai",
		Parse:        ParseOpenAIChunk,
		Continuation: continueWithInstruction,
	}
}

// AnthropicStrategy parses Anthropic event frames and resumes with an
// appended user instruction.
func AnthropicStrategy() Strategy {
	return Strategy{
		Family:       "anthropic",
		Parse:        ParseAnthropicChunk,
		Continuation: continueWithInstruction,
	}
}

// continueWithInstruction appends the partial output as an assistant turn
// and asks for verbatim continuation. Both chat-shaped APIs accept this.
func continueWithInstruction(req ChatRequest, boundaryText string, remainingBudget int) ChatRequest {
	out := req.Clone()
	if boundaryText != "" {
		out.Messages = append(out.Messages,
			Message{Role: "assistant", Content: boundaryText},
			Message{Role: "user", Content: "continue from: " + tailOf(boundaryText, 200)},
		)
	}
	if remainingBudget > 0 {
		out.MaxTokens = remainingBudget
	}
	return out
}

// tailOf returns the last n runes of s.
func tailOf(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// familyFile is the YAML shape of an external strategy table, mirroring the
// engine config's model_family_file option.
type familyFile struct {
	Families []struct {
		Pattern string `yaml:"pattern"`
		Family  string `yaml:"family"`
	} `yaml:"families"`
}

// LoadFamilies extends the registry from a YAML file mapping model-name
// patterns to built-in family tags.
func (r *Registry) LoadFamilies(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("provider: read family file: %w", err)
	}
	var f familyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("provider: parse family file: %w", err)
	}
	for _, e := range f.Families {
		switch strings.ToLower(e.Family) {
		case "openai":
			r.Register(e.Pattern, OpenAIStrategy())
		case "anthropic":
			r.Register(e.Pattern, AnthropicStrategy())
		default:
			return fmt.Errorf("provider: unknown family %q for pattern %q", e.Family, e.Pattern)
		}
	}
	return nil
}
