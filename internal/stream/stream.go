// Package stream defines the chunk model and hook types shared by every
// stage of the streaming pipeline. A Chunk is one incremental fragment of a
// streamed response; once produced by a parser it is never mutated, only
// replaced by a transform step.
package stream

// FinishReason signals why the producer considers the stream complete.
type FinishReason string

const (
	FinishNone          FinishReason = ""
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Chunk is one incremental fragment of a streamed response.
type Chunk struct {
	Content      string
	FinishReason FinishReason
	Sequence     uint64
}

// Terminal reports whether the chunk carries a finish signal.
func (c Chunk) Terminal() bool {
	return c.FinishReason != FinishNone
}

// ParseFunc converts one raw producer frame into a Chunk. Supplied per
// provider; malformed frames return an error and are counted, not fatal.
type ParseFunc func(raw []byte) (Chunk, error)

// ValidateFunc accepts or rejects a parsed chunk. A non-nil error drops the
// chunk from the visible stream; rejections are counted.
type ValidateFunc func(Chunk) error

// TransformFunc maps a chunk to a replacement chunk. Errors behave like
// validation rejections.
type TransformFunc func(Chunk) (Chunk, error)
