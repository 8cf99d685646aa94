package ratectl_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rist-bonding/dispatcherd/internal/ratectl"
)

func TestHTTPEncoderControlRoundTrip(t *testing.T) {
	t.Parallel()

	var lastBitrate float64 = 4000
	var keyframeForced bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/bitrate":
			_ = json.NewEncoder(w).Encode(map[string]float64{"bitrate": lastBitrate})
		case r.Method == http.MethodPut && r.URL.Path == "/bitrate":
			var body map[string]float64
			_ = json.NewDecoder(r.Body).Decode(&body)
			lastBitrate = body["bitrate"]
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/force-keyframe":
			keyframeForced = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	property := ratectl.DetectBitrateProperty("bitrate")
	enc := ratectl.NewHTTPEncoderControl(srv.Client(), srv.URL, property)

	kbps, err := enc.BitrateKbps(context.Background())
	if err != nil {
		t.Fatalf("BitrateKbps: %v", err)
	}
	if kbps != 4000 {
		t.Errorf("BitrateKbps = %d, want 4000", kbps)
	}

	if err := enc.SetBitrateKbps(context.Background(), 2500); err != nil {
		t.Fatalf("SetBitrateKbps: %v", err)
	}
	if lastBitrate != 2500 {
		t.Errorf("server received bitrate = %v, want 2500", lastBitrate)
	}

	if err := enc.ForceKeyframe(context.Background()); err != nil {
		t.Fatalf("ForceKeyframe: %v", err)
	}
	if !keyframeForced {
		t.Error("force-keyframe endpoint was not called")
	}
}

func TestHTTPEncoderControlScaledProperty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/bitrate" {
			var body map[string]float64
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["target-bitrate"] != 3000000 {
				t.Errorf("target-bitrate = %v, want 3000000 (3000 kbps scaled x1000)", body["target-bitrate"])
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	property := ratectl.DetectBitrateProperty("target-bitrate")
	enc := ratectl.NewHTTPEncoderControl(srv.Client(), srv.URL, property)

	if err := enc.SetBitrateKbps(context.Background(), 3000); err != nil {
		t.Fatalf("SetBitrateKbps: %v", err)
	}
}

func TestHTTPEncoderControlUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	enc := ratectl.NewHTTPEncoderControl(srv.Client(), srv.URL, ratectl.DetectBitrateProperty("bitrate"))

	if _, err := enc.BitrateKbps(context.Background()); err == nil {
		t.Error("BitrateKbps: expected error from 500 response")
	}
}
