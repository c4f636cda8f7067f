package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatStream opens a streaming completion and sends Events on the returned
// channel until the stream ends or an unrecoverable error occurs.
//
// Two independent timeouts guard the connection (spec.md §4.1):
//   - connectionTimeout (10s-600s) bounds the time to receive the first byte
//     of the response (the HTTP headers).
//   - readTimeout (30s) bounds the gap between any two SSE frames once the
//     stream is open.
//
// If the read timeout fires before any content has been received, or the
// server answers with HTTP 400 (many OpenAI-compatible servers reject
// streaming requests that would have succeeded non-streaming), ChatStream
// transparently falls back to a single non-streaming Chat call and emits its
// result as one Event.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, connectionTimeout, readTimeout time.Duration) (<-chan Event, error) {
	if connectionTimeout <= 0 {
		connectionTimeout = DefaultConnectionTimeout
	}
	if connectionTimeout > MaxConnectionTimeout {
		connectionTimeout = MaxConnectionTimeout
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	req.Stream = true
	if c.contentModeEnabled() {
		req.Tools = nil
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chatclient: marshal stream request: %w", err)
	}

	connCtx, cancelConn := context.WithTimeout(ctx, connectionTimeout)
	defer cancelConn()

	httpReq, err := http.NewRequestWithContext(connCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chatclient: build stream request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chatclient: stream connection: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		resp.Body.Close()
		return c.fallbackToNonStreaming(ctx, req)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("chatclient: stream status %d", resp.StatusCode)
	}

	events := make(chan Event)
	go c.pumpSSE(ctx, resp.Body, readTimeout, req, events)
	return events, nil
}

func (c *Client) fallbackToNonStreaming(ctx context.Context, req ChatRequest) (<-chan Event, error) {
	events := make(chan Event, 1)
	resp, err := c.Chat(ctx, req)
	if err != nil {
		events <- Event{Err: err, Done: true}
		close(events)
		return events, nil
	}
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		if msg.Content != "" {
			events <- Event{Text: msg.Content}
		}
		for i := range msg.ToolCalls {
			tc := msg.ToolCalls[i]
			events <- Event{ToolCall: &tc}
		}
	}
	events <- Event{Usage: &resp.Usage, Done: true}
	close(events)
	return events, nil
}

// pumpSSE parses "data: {...}" frames from r, applying readTimeout between
// frames, accumulating tool-call deltas by index (spec.md §4.1), and falling
// back to a non-streaming call if the read timeout fires before any content
// has arrived.
func (c *Client) pumpSSE(parentCtx context.Context, r io.ReadCloser, readTimeout time.Duration, req ChatRequest, events chan<- Event) {
	defer close(events)
	defer r.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	toolCalls := make(map[int]*ToolCall)
	receivedAny := false

	for {
		select {
		case <-parentCtx.Done():
			events <- Event{Err: parentCtx.Err(), Done: true}
			return

		case line, ok := <-lines:
			if !ok {
				flushToolCalls(toolCalls, events)
				events <- Event{Done: true}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				flushToolCalls(toolCalls, events)
				events <- Event{Done: true}
				return
			}

			var chunk StreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue // skip malformed frames rather than aborting the stream
			}
			receivedAny = true

			if chunk.Usage != nil && len(chunk.Choices) == 0 {
				events <- Event{Usage: chunk.Usage}
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				events <- Event{Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				accumulateToolCall(toolCalls, tc)
			}
			if choice.FinishReason != nil && *choice.FinishReason == "tool_calls" {
				flushToolCalls(toolCalls, events)
				toolCalls = make(map[int]*ToolCall)
			}

		case <-time.After(readTimeout):
			if !receivedAny {
				fallback, err := c.fallbackToNonStreaming(parentCtx, req)
				if err != nil {
					events <- Event{Err: err, Done: true}
					return
				}
				for ev := range fallback {
					events <- ev
				}
				return
			}
			events <- Event{Err: fmt.Errorf("chatclient: read timeout after %s", readTimeout), Done: true}
			return
		}
	}
}

func accumulateToolCall(toolCalls map[int]*ToolCall, delta ToolCall) {
	tc, ok := toolCalls[delta.Index]
	if !ok {
		tc = &ToolCall{Index: delta.Index}
		toolCalls[delta.Index] = tc
	}
	if delta.ID != "" {
		tc.ID = delta.ID
	}
	if delta.Type != "" {
		tc.Type = delta.Type
	}
	if delta.Function.Name != "" {
		tc.Function.Name = delta.Function.Name
	}
	if delta.Function.Arguments != "" {
		tc.Function.Arguments += delta.Function.Arguments
	}
}

func flushToolCalls(toolCalls map[int]*ToolCall, events chan<- Event) {
	for _, tc := range toolCalls {
		if tc.ID != "" && tc.Function.Name != "" {
			tcCopy := *tc
			events <- Event{ToolCall: &tcCopy}
		}
	}
}
