package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
)

const (
	// scannerInitialBufSize is the initial buffer size for the SSE line
	// scanner. Change events are tiny, but the resync path shares it.
	scannerInitialBufSize = 64 * 1024 // 64KB

	// scannerMaxBufSize is the maximum SSE line size. Longer lines cause
	// bufio.ErrTooLong and end the subscription; the caller reconnects.
	scannerMaxBufSize = 1024 * 1024 // 1MB
)

// BundleSource fetches bundle data and subscribes to the change stream.
type BundleSource struct {
	*Client
}

// NewBundleSource creates a bundle source against the control plane.
func NewBundleSource(client *Client) *BundleSource {
	return &BundleSource{Client: client}
}

// FetchBundleData retrieves the full policy-plane snapshot.
func (s *BundleSource) FetchBundleData(ctx context.Context) (*policy.BundleData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/bundle/data", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	s.authorize(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle data: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read bundle data: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bundle data status %d: %s", resp.StatusCode, string(body))
	}

	var data policy.BundleData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("parse bundle data: %w", err)
	}
	return &data, nil
}

// Subscribe opens the SSE change stream and delivers events on the channel
// until the stream ends or ctx is cancelled. It always returns a non-nil
// error describing why the stream stopped; the caller owns reconnection
// and must treat every reconnect as a resync signal.
func (s *BundleSource) Subscribe(ctx context.Context, lastEventID string, events chan<- policy.ChangeEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/bundle/changes", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	s.authorize(req)

	resp, err := s.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open change stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("change stream status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		// Blank line terminates one event.
		if line == "" {
			if data.Len() > 0 {
				var event policy.ChangeEvent
				if err := json.Unmarshal([]byte(data.String()), &event); err == nil {
					select {
					case events <- event:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				data.Reset()
			}
			continue
		}

		// Comment lines keep the connection alive.
		if strings.HasPrefix(line, ":") {
			continue
		}

		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(value, " "))
		}
		// id: and event: lines are redundant with the JSON payload.
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("change stream read: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("change stream closed by control plane")
}

// Compile-time interface verification.
var _ outbound.BundleSource = (*BundleSource)(nil)
