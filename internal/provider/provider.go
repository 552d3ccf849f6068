// Package provider holds the model-family strategy table. Each family tag
// maps to a chunk parser for its SSE frame shape and a continuation
// formatter used by stream recovery. Strategies are selected once at
// session setup, never re-dispatched per chunk.
package provider

// Message is one turn of a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-neutral request the engine starts and resumes
// streams with. How it is serialized onto the wire belongs to the transport.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Stream    bool      `json:"stream"`
}

// Clone deep-copies the request so continuation never mutates the original.
func (r ChatRequest) Clone() ChatRequest {
	out := r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	return out
}
