//go:build !windows

package wca

import "time"

type meterTapStub struct{}

// NewMeterTap on non-Windows platforms returns a tap that always fails
// to start.
func NewMeterTap() MeterTap {
	return &meterTapStub{}
}

// NewMeterTapWithInterval mirrors the Windows constructor's signature;
// the interval is unused since the stub never captures anything.
func NewMeterTapWithInterval(_ time.Duration) MeterTap {
	return &meterTapStub{}
}

func (*meterTapStub) Start(endpointID string, events chan<- TapEvent) error {
	return ErrUnsupportedPlatform
}

func (*meterTapStub) Stop() {}
