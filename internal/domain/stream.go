package domain

// StreamEvent is one item of a streaming completion. The set of variants is
// closed: a well-formed stream is zero or more TextChunk events in generation
// order, at most one UsageEvent, then exactly one terminal CompletionEvent or
// ErrorEvent, after which the channel is closed. Concatenating the TextChunk
// texts of a successful stream equals the final CompletionResult.Content.
type StreamEvent interface {
	eventType() string
}

// TextChunk is an incremental piece of generated text.
type TextChunk struct {
	Text string
}

func (TextChunk) eventType() string { return "text_chunk" }

// UsageEvent reports token accounting, emitted before the terminal event.
type UsageEvent struct {
	Usage Usage
}

func (UsageEvent) eventType() string { return "usage" }

// CompletionEvent terminates a successful stream with the full result.
type CompletionEvent struct {
	Result *CompletionResult
}

func (CompletionEvent) eventType() string { return "completion" }

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) eventType() string { return "error" }
