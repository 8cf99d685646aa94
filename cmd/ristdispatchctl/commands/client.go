package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// errRequestFailed wraps a non-2xx control API response.
var errRequestFailed = errors.New("ristdispatchctl: request failed")

// apiClient is a minimal JSON client for ristdispatchd's control API; it
// replaces the teacher's generated ConnectRPC stub client since this
// service speaks plain net/http JSON instead (see internal/controlapi).
type apiClient struct {
	http    *http.Client
	baseURL string
}

func newAPIClient(httpClient *http.Client, baseURL string) *apiClient {
	return &apiClient{http: httpClient, baseURL: baseURL}
}

// linkView mirrors internal/controlapi's wire shape for one bonded link.
type linkView struct {
	Index       int     `json:"index"`
	ID          string  `json:"id"`
	Linked      bool    `json:"linked"`
	Weight      float64 `json:"weight"`
	PacketsSent uint64  `json:"packets_sent"`
	BytesSent   uint64  `json:"bytes_sent"`
	EWMAGoodput float64 `json:"ewma_goodput"`
	EWMARtxRate float64 `json:"ewma_rtx_rate"`
	EWMARTT     float64 `json:"ewma_rtt_ms"`
}

// snapshotView mirrors internal/dispatcher.Snapshot's wire shape.
type snapshotView struct {
	TimestampMS      int64   `json:"timestamp"`
	CurrentWeights   string  `json:"current-weights"`
	BuffersProcessed uint64  `json:"buffers-processed"`
	SrcPadCount      uint32  `json:"src-pad-count"`
	SelectedIndex    uint32  `json:"selected-index"`
	EncoderBitrate   uint32  `json:"encoder-bitrate"`
	EWMARtxPenalty   float64 `json:"ewma-rtx-penalty"`
	EWMARttPenalty   float64 `json:"ewma-rtt-penalty"`
	AIMDRtxThreshold float64 `json:"aimd-rtx-threshold"`
}

func (c *apiClient) listLinks(ctx context.Context) ([]linkView, error) {
	var out []linkView
	if err := c.do(ctx, http.MethodGet, "/v1/links", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) setWeights(ctx context.Context, weights []float64) error {
	body := map[string]any{"weights": weights}
	return c.do(ctx, http.MethodPost, "/v1/links/weights", body, nil)
}

func (c *apiClient) setConfig(ctx context.Context, property string, value json.RawMessage) error {
	body := map[string]any{"value": value}
	return c.do(ctx, http.MethodPost, "/v1/config/"+property, body, nil)
}

func (c *apiClient) snapshot(ctx context.Context) (snapshotView, error) {
	var out snapshotView
	err := c.do(ctx, http.MethodGet, "/v1/metrics/snapshot", nil, &out)
	return out, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: %s %s: %s", errRequestFailed, method, path, apiErr.Error)
		}
		return fmt.Errorf("%w: %s %s: status %d", errRequestFailed, method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}
