package wca

// TapEventKind distinguishes a normal level reading from an unexpected
// capture halt, the only two things MeterTap ever sends upstream.
type TapEventKind int

const (
	TapLevel TapEventKind = iota
	TapHalted
)

// TapEvent is one emission from an open tap: either a fresh peak reading
// for the endpoint it was opened against, or a halt notice meaning the
// tap tore itself down and the caller must decide whether to reopen.
type TapEvent struct {
	Kind       TapEventKind
	EndpointID string
	PeakLinear float64
}

// MeterTap captures one endpoint's shared-mode audio stream and reports
// peak-per-buffer readings until Stop is called or the stream halts on
// its own. A tap is single-endpoint and single-use: once stopped it is
// discarded, never restarted in place.
type MeterTap interface {
	// Start begins capture for endpointID, delivering TapEvent values to
	// events until Stop is called or the stream halts unexpectedly (in
	// which case one TapHalted event is sent and no further events follow).
	Start(endpointID string, events chan<- TapEvent) error
	Stop()
}
