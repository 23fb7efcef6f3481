package rag

import (
	"context"
	"fmt"

	"github.com/markdave123-py/pdfrag/internal/core"
)

type EventType string

const (
	EventSources EventType = "sources"
	EventChunk   EventType = "chunk"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one element of a streamed answer. Sources is set on sources,
// Content on chunk, TokensUsed on done and Err on error. A done event that
// follows an empty sources event carries the fixed no-results answer in
// Content.
type Event struct {
	Type       EventType
	Sources    []Source
	Content    string
	TokensUsed TokensUsed
	Err        error
}

// StreamQuery answers like Query but delivers the result as events:
// sources, then zero or more chunks, then done. A failure ends the stream
// with a single error event. The channel is closed after the last event and
// cancelling ctx stops generation.
func (e *Engine) StreamQuery(ctx context.Context, text string, opts QueryOptions) <-chan Event {
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		matches, embedTokens, err := e.retrieve(ctx, text, opts)
		if err != nil {
			send(Event{Type: EventError, Err: err})
			return
		}
		if !send(Event{Type: EventSources, Sources: e.sources(matches)}) {
			return
		}
		if len(matches) == 0 {
			send(Event{Type: EventDone, Content: NoResultsAnswer})
			return
		}

		gen, err := e.llm.GenerateStream(ctx, systemPrompt, buildPrompt(text, matches), func(piece string) error {
			if !send(Event{Type: EventChunk, Content: piece}) {
				return ctx.Err()
			}
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			send(Event{Type: EventError, Err: fmt.Errorf("%w: %w", core.ErrGeneration, err)})
			return
		}

		used := usage(embedTokens, gen)
		if send(Event{Type: EventDone, TokensUsed: used}) {
			e.answered(ctx, opts, len(matches), used, true)
		}
	}()
	return out
}
