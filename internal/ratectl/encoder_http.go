package ratectl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrEncoderUnreachable is returned when the adjacent encoder's HTTP
// control endpoint does not respond with a success status.
var ErrEncoderUnreachable = errors.New("ratectl: encoder control endpoint unreachable")

// ErrEncoderPropertyAbsent is returned when the encoder's response does
// not contain the configured bitrate property name.
var ErrEncoderPropertyAbsent = errors.New("ratectl: encoder response missing bitrate property")

// HTTPEncoderControl implements EncoderControl and KeyframeRequester
// against an adjacent encoder's HTTP control surface (the common shape for
// software encoders such as ffmpeg-with-zmq-filter sidecars or hardware
// encoder management APIs): GET returns the current bitrate, PUT sets a
// new one, POST forces a keyframe. The JSON field name is configurable
// since encoders disagree on whether it's "bitrate", "target-bitrate", or
// similar (see BitratePropertyCandidates).
type HTTPEncoderControl struct {
	client   *http.Client
	baseURL  string
	property BitrateProperty
}

// NewHTTPEncoderControl constructs a control client against baseURL, using
// property (from DetectBitrateProperty) to name the JSON field and convert
// between kbps and the encoder's native units.
func NewHTTPEncoderControl(client *http.Client, baseURL string, property BitrateProperty) *HTTPEncoderControl {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &HTTPEncoderControl{client: client, baseURL: baseURL, property: property}
}

// BitrateKbps implements EncoderControl.
func (h *HTTPEncoderControl) BitrateKbps(ctx context.Context) (uint32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/bitrate", nil)
	if err != nil {
		return 0, fmt.Errorf("ratectl: build bitrate request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ratectl: get encoder bitrate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ratectl: get encoder bitrate: %w: status %d", ErrEncoderUnreachable, resp.StatusCode)
	}

	var body map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("ratectl: decode bitrate response: %w", err)
	}

	native, ok := body[h.property.Name]
	if !ok {
		return 0, fmt.Errorf("ratectl: response missing field %q: %w", h.property.Name, ErrEncoderPropertyAbsent)
	}
	return uint32(native / h.property.Scale), nil
}

// SetBitrateKbps implements EncoderControl.
func (h *HTTPEncoderControl) SetBitrateKbps(ctx context.Context, kbps uint32) error {
	native := float64(kbps) * h.property.Scale
	payload, err := json.Marshal(map[string]float64{h.property.Name: native})
	if err != nil {
		return fmt.Errorf("ratectl: encode bitrate payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.baseURL+"/bitrate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ratectl: build set-bitrate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("ratectl: set encoder bitrate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("ratectl: set encoder bitrate: %w: status %d", ErrEncoderUnreachable, resp.StatusCode)
	}
	return nil
}

// ForceKeyframe implements KeyframeRequester.
func (h *HTTPEncoderControl) ForceKeyframe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/force-keyframe", nil)
	if err != nil {
		return fmt.Errorf("ratectl: build force-keyframe request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("ratectl: force keyframe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("ratectl: force keyframe: %w: status %d", ErrEncoderUnreachable, resp.StatusCode)
	}
	return nil
}
