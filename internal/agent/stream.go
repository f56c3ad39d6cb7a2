package agent

import (
	"context"

	"github.com/skywang16/orbitx/internal/providers"
)

// streamBuffer bounds the chunk queue between the provider goroutine and the
// consuming loop.
const streamBuffer = 10

// streamChat runs a streaming LLM call in a goroutine and consumes chunks
// through a bounded channel, selecting between the next chunk and the task's
// cancellation token. On cancel the consumer returns promptly; the provider
// goroutine unwinds via its own context.
func streamChat(ctx context.Context, provider providers.Provider, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	type outcome struct {
		resp *providers.ChatResponse
		err  error
	}

	chunks := make(chan providers.StreamChunk, streamBuffer)
	done := make(chan outcome, 1)

	go func() {
		resp, err := provider.ChatStream(ctx, req, func(c providers.StreamChunk) {
			select {
			case chunks <- c:
			case <-ctx.Done():
			}
		})
		close(chunks)
		done <- outcome{resp: resp, err: err}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case chunk, ok := <-chunks:
			if !ok {
				out := <-done
				return out.resp, out.err
			}
			if onChunk != nil {
				onChunk(chunk)
			}
		}
	}
}
