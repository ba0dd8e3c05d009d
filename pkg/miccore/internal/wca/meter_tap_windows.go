//go:build windows

package wca

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
)

const (
	refTimesPerSec = 10_000_000 // 100ns units
	tapBufferMS    = 5          // target latency requested from the engine

	// defaultTapEmitInterval is used by NewMeterTap for callers that don't
	// route the A1 meter_throttle_ms knob through NewMeterTapWithInterval.
	defaultTapEmitInterval = 16 * time.Millisecond
)

// meterTap opens a shared-mode (not loopback) capture client against one
// endpoint, following the same Activate → GetMixFormat → Initialize →
// GetBufferSize → GetService → Start sequence used for render-side
// visualization, adapted here to the capture-side IAudioCaptureClient.
type meterTap struct {
	mu           sync.Mutex
	emitInterval time.Duration
	mmde         *wca.IMMDeviceEnumerator
	device       *wca.IMMDevice
	client       *wca.IAudioClient
	capture      *wca.IAudioCaptureClient
	format       resolvedFormat

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	accumulator uint64 // math.Float64bits of the running max peak, CAS-updated
}

// NewMeterTap constructs an unopened tap emitting at the default
// throttle rate. Start binds it to one endpoint; a tap is discarded
// (never reused) after Stop.
func NewMeterTap() MeterTap {
	return NewMeterTapWithInterval(defaultTapEmitInterval)
}

// NewMeterTapWithInterval is NewMeterTap with a caller-supplied emit
// throttle, letting the Coordinator drive it from meter_throttle_ms.
func NewMeterTapWithInterval(emitInterval time.Duration) MeterTap {
	if emitInterval <= 0 {
		emitInterval = defaultTapEmitInterval
	}
	return &meterTap{emitInterval: emitInterval}
}

func (t *meterTap) Start(endpointID string, events chan<- TapEvent) error {
	t.mu.Lock()
	if err := t.openLocked(endpointID); err != nil {
		t.mu.Unlock()
		return err
	}
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	go t.captureLoop(endpointID, events)
	return nil
}

func (t *meterTap) openLocked(endpointID string) error {
	if err := ensureCOMInitialized(); err != nil {
		return fmt.Errorf("meter tap: initialize COM: %w", err)
	}

	var mmde *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &mmde); err != nil {
		return fmt.Errorf("meter tap: create enumerator: %w", err)
	}
	t.mmde = mmde

	var device *wca.IMMDevice
	if err := mmde.GetDevice(endpointID, &device); err != nil {
		t.closeLocked()
		return ErrEndpointNotFound
	}
	t.device = device

	var client *wca.IAudioClient
	if err := device.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &client); err != nil {
		t.closeLocked()
		return fmt.Errorf("meter tap: activate audio client: %w", err)
	}
	t.client = client

	var wfx *wca.WAVEFORMATEX
	if err := client.GetMixFormat(&wfx); err != nil {
		t.closeLocked()
		return fmt.Errorf("meter tap: get mix format: %w", err)
	}
	t.format = resolveMixFormat(wfx)

	bufferDuration := wca.REFERENCE_TIME(refTimesPerSec * tapBufferMS / 1000)
	err := client.Initialize(wca.AUDCLNT_SHAREMODE_SHARED, 0, bufferDuration, 0, wfx, nil)
	ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))
	if err != nil {
		t.closeLocked()
		return fmt.Errorf("meter tap: initialize audio client: %w", err)
	}

	var bufferFrames uint32
	if err := client.GetBufferSize(&bufferFrames); err != nil {
		t.closeLocked()
		return fmt.Errorf("meter tap: get buffer size: %w", err)
	}

	var captureClient *wca.IAudioCaptureClient
	if err := client.GetService(wca.IID_IAudioCaptureClient, &captureClient); err != nil {
		t.closeLocked()
		return fmt.Errorf("meter tap: get capture service: %w", err)
	}
	t.capture = captureClient

	if err := client.Start(); err != nil {
		t.closeLocked()
		return fmt.Errorf("meter tap: start: %w", err)
	}
	return nil
}

const audclntSBufferEmpty = 0x08890001

// captureLoop polls GetBuffer in a tight loop, decoding and accumulating
// peaks by max, and emits at most once per emitInterval. An
// unexpected, non-"buffer empty" HRESULT ends the loop with one
// TapHalted event; a caller-initiated Stop ends it silently.
func (t *meterTap) captureLoop(endpointID string, events chan<- TapEvent) {
	defer close(t.doneCh)
	defer t.stopCapture()

	// GetBuffer/ReleaseBuffer run on this goroutine, distinct from the one
	// that called Start, so it needs its own COM initialization.
	if err := ensureCOMInitialized(); err != nil {
		select {
		case events <- TapEvent{Kind: TapHalted, EndpointID: endpointID}:
		default:
		}
		return
	}
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(t.emitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.emit(endpointID, events)
		default:
		}

		halted, err := t.pollOnce()
		if err != nil {
			select {
			case events <- TapEvent{Kind: TapHalted, EndpointID: endpointID}:
			default:
			}
			return
		}
		if halted {
			// No data ready; yield briefly so the loop doesn't spin.
			select {
			case <-t.stopCh:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// pollOnce reads every packet currently queued, folding each buffer's
// peak into the running accumulator by max. Returns halted=true when
// the engine reported AUDCLNT_S_BUFFER_EMPTY (nothing to do right now,
// not a failure).
func (t *meterTap) pollOnce() (halted bool, err error) {
	t.mu.Lock()
	capture := t.capture
	format := t.format
	t.mu.Unlock()
	if capture == nil {
		return true, nil
	}

	read := false
	for {
		var data *byte
		var frames uint32
		var flags uint32
		getErr := capture.GetBuffer(&data, &frames, &flags, nil, nil)
		if getErr != nil {
			var oleErr *ole.OleError
			if errors.As(getErr, &oleErr) && uint32(oleErr.Code()) == audclntSBufferEmpty {
				break
			}
			return false, fmt.Errorf("meter tap: get buffer: %w", getErr)
		}
		if frames == 0 {
			_ = capture.ReleaseBuffer(frames)
			break
		}
		read = true

		peak := decodePeak(data, frames, format)
		t.foldPeak(peak)
		_ = capture.ReleaseBuffer(frames)
	}
	return !read, nil
}

func (t *meterTap) foldPeak(peak float64) {
	for {
		old := atomic.LoadUint64(&t.accumulator)
		if peak <= math.Float64frombits(old) {
			return
		}
		if atomic.CompareAndSwapUint64(&t.accumulator, old, math.Float64bits(peak)) {
			return
		}
	}
}

func (t *meterTap) emit(endpointID string, events chan<- TapEvent) {
	peak := math.Float64frombits(atomic.SwapUint64(&t.accumulator, 0))
	select {
	case events <- TapEvent{Kind: TapLevel, EndpointID: endpointID, PeakLinear: peak}:
	default:
		// Caller not keeping up; drop rather than block the audio thread.
	}
}

func (t *meterTap) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		stopCh := t.stopCh
		doneCh := t.doneCh
		t.mu.Unlock()
		if stopCh == nil {
			return
		}
		close(stopCh)
		if doneCh != nil {
			<-doneCh
		}
	})
}

// stopCapture best-effort tears down the OS objects; each step is
// independent so one failure does not stop the rest from running.
func (t *meterTap) stopCapture() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		_ = t.client.Stop()
	}
	t.closeLocked()
}

func (t *meterTap) closeLocked() {
	if t.capture != nil {
		t.capture.Release()
		t.capture = nil
	}
	if t.client != nil {
		t.client.Release()
		t.client = nil
	}
	if t.device != nil {
		t.device.Release()
		t.device = nil
	}
	if t.mmde != nil {
		t.mmde.Release()
		t.mmde = nil
	}
}

// decodePeak computes max(|sample|) across every channel of every whole
// frame in data, decoding according to the format table resolved at
// Start time. Unknown formats decode as silence.
func decodePeak(data *byte, frames uint32, format resolvedFormat) float64 {
	if format.kind == sampleUnknown || format.channels == 0 {
		return 0
	}
	bytesPerSample := int(format.bits) / 8
	frameBytes := bytesPerSample * int(format.channels)
	if frameBytes == 0 {
		return 0
	}
	total := int(frames) * frameBytes
	raw := unsafe.Slice(data, total)

	peak := 0.0
	for off := 0; off+bytesPerSample <= len(raw); off += bytesPerSample {
		var v float64
		switch format.kind {
		case sampleFloat32:
			bits := uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
			v = float64(math.Float32frombits(bits))
		case samplePCM16:
			s := int16(uint16(raw[off]) | uint16(raw[off+1])<<8)
			v = float64(s) / 32768.0
		case samplePCM24:
			u := uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16
			if u&0x800000 != 0 {
				u |= 0xFF000000 // sign-extend from bit 23
			}
			v = float64(int32(u)) / 8388608.0
		case samplePCM32:
			u := uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
			v = float64(int32(u)) / 2147483648.0
		default:
			v = 0
		}
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak > 1 {
		peak = 1
	}
	return peak
}
