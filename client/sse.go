package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	acp "github.com/agentcomm/acp"
)

const maxEventSize = 1 << 20

// stream issues the request and decodes the server-sent event response
// into a channel of run events. The channel closes when the server ends
// the stream or ctx is cancelled.
func (c *Client) stream(ctx context.Context, method, path string, body any) (<-chan acp.Event, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, true)
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the default request timeout.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	events := make(chan acp.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
		var data strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if data.Len() == 0 {
					continue
				}
				var event acp.Event
				if err := json.Unmarshal([]byte(data.String()), &event); err == nil {
					select {
					case events <- event:
					case <-ctx.Done():
						return
					}
				}
				data.Reset()
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			default:
				// event: and comment lines carry no payload of their own.
			}
		}
	}()
	return events, nil
}
