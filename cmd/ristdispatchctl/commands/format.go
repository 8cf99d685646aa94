package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatLinks(links []linkView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(links, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal links to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		return formatLinksTable(links), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatLinksTable(links []linkView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tID\tLINKED\tWEIGHT\tPACKETS\tBYTES\tGOODPUT\tRTX-RATE\tRTT-MS")

	for _, l := range links {
		fmt.Fprintf(w, "%d\t%s\t%t\t%.4f\t%d\t%d\t%.4f\t%.4f\t%.2f\n",
			l.Index, l.ID, l.Linked, l.Weight, l.PacketsSent, l.BytesSent,
			l.EWMAGoodput, l.EWMARtxRate, l.EWMARTT,
		)
	}

	_ = w.Flush()
	return buf.String()
}

func formatSnapshot(snap snapshotView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal snapshot to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Timestamp (ms):\t%d\n", snap.TimestampMS)
		fmt.Fprintf(w, "Current Weights:\t%s\n", snap.CurrentWeights)
		fmt.Fprintf(w, "Buffers Processed:\t%d\n", snap.BuffersProcessed)
		fmt.Fprintf(w, "Source Pad Count:\t%d\n", snap.SrcPadCount)
		fmt.Fprintf(w, "Selected Index:\t%d\n", snap.SelectedIndex)
		fmt.Fprintf(w, "Encoder Bitrate (kbps):\t%d\n", snap.EncoderBitrate)
		fmt.Fprintf(w, "EWMA Rtx Penalty:\t%.4f\n", snap.EWMARtxPenalty)
		fmt.Fprintf(w, "EWMA RTT Penalty:\t%.4f\n", snap.EWMARttPenalty)
		fmt.Fprintf(w, "AIMD Rtx Threshold:\t%.4f\n", snap.AIMDRtxThreshold)
		_ = w.Flush()
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
