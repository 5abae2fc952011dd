package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/upgw/pipelined"
)

// Exporter forwards usage batches to the external collector.
type Exporter interface {
	Export(ctx context.Context, batch []pipelined.UsageSample) error
}

// HTTPExporter posts batches as JSON to a collector endpoint.
type HTTPExporter struct {
	url    string
	client *http.Client
}

// NewHTTPExporter creates an exporter for the given collector URL.
// A nil client uses http.DefaultClient.
func NewHTTPExporter(url string, client *http.Client) *HTTPExporter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExporter{url: url, client: client}
}

// Export posts one batch. Any non-2xx response is a failure; the
// relay keeps the batch for the next interval.
func (e *HTTPExporter) Export(ctx context.Context, batch []pipelined.UsageSample) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post usage batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return nil
}

// LogExporter logs batches instead of sending them. Used when no
// collector is configured.
type LogExporter struct {
	Logger *slog.Logger
}

// Export logs the batch at debug level.
func (e *LogExporter) Export(ctx context.Context, batch []pipelined.UsageSample) error {
	e.Logger.DebugContext(ctx, "usage batch", "samples", len(batch))
	return nil
}
