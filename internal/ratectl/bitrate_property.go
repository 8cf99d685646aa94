package ratectl

// BitrateProperty names one candidate encoder property dynbitrate.rs
// probed via GObject introspection, together with the scale factor needed
// to convert a kbps value into that property's native units (bps
// properties use 1000, kbps properties use 1).
//
// Go has no equivalent of find_property/GObject property introspection, so
// this table is no longer used to detect anything at runtime (see
// EncoderControl); it is kept as documentation of the candidate set an
// EncoderControl implementation is expected to support, and
// DetectBitrateProperty lets the daemon resolve an operator-supplied
// property name against it.
var BitratePropertyCandidates = []BitrateProperty{
	{Name: "bitrate", Scale: 1.0},
	{Name: "target-bitrate", Scale: 1000.0},
	{Name: "target_bitrate", Scale: 1000.0},
	{Name: "avg-bitrate", Scale: 1.0},
	{Name: "avg_bitrate", Scale: 1.0},
}

// BitrateProperty is one (name, scale) pair from BitratePropertyCandidates.
type BitrateProperty struct {
	Name  string
	Scale float64
}

// DetectBitrateProperty looks up name in BitratePropertyCandidates. If name
// is empty or not found, it returns the "bitrate" entry with scale 1.0,
// matching dynbitrate.rs's fallback when no property could be detected.
func DetectBitrateProperty(name string) BitrateProperty {
	for _, c := range BitratePropertyCandidates {
		if c.Name == name {
			return c
		}
	}
	return BitrateProperty{Name: "bitrate", Scale: 1.0}
}
