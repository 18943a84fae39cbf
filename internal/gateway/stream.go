package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/pollinations/text-gateway/internal/providers"
	"github.com/pollinations/text-gateway/internal/usage"
)

// streamChunk is the OpenAI chat.completion.chunk envelope.
type (
	streamChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
		Usage   *usage.Wire   `json:"usage,omitempty"`
	}
	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason any        `json:"finish_reason"`
	}
	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}
)

// streamOutcome summarizes a drained stream for logging and accounting.
type streamOutcome struct {
	Usage   usage.Record
	Content strings.Builder
	Err     error
}

// peekFragment receives the first fragment so that upstream failures can be
// converted into a plain HTTP error before any streaming headers are
// committed. ok is false when the stream closed without producing anything.
func peekFragment(stream <-chan providers.StreamFragment) (providers.StreamFragment, bool) {
	frag, ok := <-stream
	return frag, ok
}

// writeSSE streams fragments as OpenAI-style SSE JSON deltas.
//
// This is the single owner of the terminal marker: exactly one
// "data: [DONE]" line is written per response, no matter how many terminal
// signals (Done fragments, errors, channel close) the upstream produces.
// A usage-bearing chunk is emitted before the terminal marker when the
// provider reported usage, so streaming clients get token accounting too.
func writeSSE(
	ctx *fasthttp.RequestCtx,
	model, requestID string,
	first providers.StreamFragment, haveFirst bool,
	stream <-chan providers.StreamFragment,
	onComplete func(out *streamOutcome),
) {
	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("Trailer", strings.Join(usage.HeaderNames(), ", "))
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := "chatcmpl-" + requestID
	created := time.Now().Unix()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as write panics

		out := &streamOutcome{}
		writeFragment := func(frag providers.StreamFragment) (stop bool) {
			if frag.Err != nil {
				// Headers are committed: surface the error as a data line,
				// then fall through to the terminal marker.
				msg, _ := json.Marshal(map[string]any{
					"error": map[string]string{"message": frag.Err.Error()},
				})
				fmt.Fprintf(w, "data: %s\n\n", msg)
				out.Err = frag.Err
				return true
			}
			if frag.Usage != nil {
				out.Usage = *frag.Usage
				wire := frag.Usage.ToWire()
				data, _ := json.Marshal(streamChunk{
					ID:      id,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   model,
					Choices: []chunkChoice{},
					Usage:   &wire,
				})
				fmt.Fprintf(w, "data: %s\n\n", data)
				w.Flush() //nolint:errcheck
			}
			if frag.Done {
				return true
			}
			if frag.Content == "" && frag.Role == "" && frag.FinishReason == "" {
				return false
			}

			out.Content.WriteString(frag.Content)
			var finish any
			if frag.FinishReason != "" {
				finish = frag.FinishReason
			}
			data, _ := json.Marshal(streamChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []chunkChoice{{
					Delta:        chunkDelta{Role: frag.Role, Content: frag.Content},
					FinishReason: finish,
				}},
			})
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
			return false
		}

		if haveFirst {
			if writeFragment(first) {
				finishSSE(w, out, onComplete)
				return
			}
		}
		for frag := range stream {
			if writeFragment(frag) {
				break
			}
		}
		finishSSE(w, out, onComplete)
	})
}

func finishSSE(w *bufio.Writer, out *streamOutcome, onComplete func(out *streamOutcome)) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush() //nolint:errcheck
	if onComplete != nil {
		onComplete(out)
	}
}

// writePlain streams fragments as bare incremental text chunks. No SSE
// envelope and no terminal marker: the response simply ends when the
// upstream stream does.
func writePlain(
	ctx *fasthttp.RequestCtx,
	first providers.StreamFragment, haveFirst bool,
	stream <-chan providers.StreamFragment,
	onComplete func(out *streamOutcome),
) {
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as write panics

		out := &streamOutcome{}
		writeFragment := func(frag providers.StreamFragment) (stop bool) {
			if frag.Err != nil {
				out.Err = frag.Err
				return true
			}
			if frag.Usage != nil {
				out.Usage = *frag.Usage
			}
			if frag.Done {
				return true
			}
			if frag.Content != "" {
				out.Content.WriteString(frag.Content)
				w.WriteString(frag.Content) //nolint:errcheck
				w.Flush()                   //nolint:errcheck
			}
			return false
		}

		if haveFirst && writeFragment(first) {
			if onComplete != nil {
				onComplete(out)
			}
			return
		}
		for frag := range stream {
			if writeFragment(frag) {
				break
			}
		}
		w.Flush() //nolint:errcheck
		if onComplete != nil {
			onComplete(out)
		}
	})
}
