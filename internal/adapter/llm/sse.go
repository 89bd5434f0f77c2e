package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"maestro/internal/domain"
)

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a GenerateDelta using the backend-specific parseLine function.
// The returned channel is closed when the stream ends, the body is closed, or
// ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.GenerateDelta, error)) <-chan domain.GenerateDelta {
	ch := make(chan domain.GenerateDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			// We only care about "data: ..." lines.
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			// Common termination signal.
			if bytes.Equal(data, []byte("[DONE]")) {
				ch <- domain.GenerateDelta{Done: true}
				return
			}

			delta, err := parseLine(data)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			if delta == nil {
				continue
			}

			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}

			if delta.Done {
				return
			}
		}
		// A scanner error means the connection died mid-stream; surface it
		// so the consumer does not mistake a truncated answer for a complete one.
		if err := scanner.Err(); err != nil {
			select {
			case ch <- domain.GenerateDelta{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}
