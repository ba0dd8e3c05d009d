//go:build windows

package wca

import (
	"fmt"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
)

const (
	waveFormatPCM         = 0x0001
	waveFormatIEEEFloat   = 0x0003
	waveFormatExtensible  = 0xFFFE
)

// sampleKind is what Meter Tap needs to know to decode a delivered
// capture buffer; Enumerator only needs bits/rate/channels for the
// format-tag string.
type sampleKind int

const (
	sampleUnknown sampleKind = iota
	sampleFloat32
	samplePCM16
	samplePCM24
	samplePCM32
)

type resolvedFormat struct {
	sampleRate uint32
	bits       uint16
	channels   uint16
	kind       sampleKind
}

// subFormatPCM / subFormatIEEEFloat are the well-known KSDATAFORMAT_SUBTYPE
// GUIDs carried in a WAVEFORMATEXTENSIBLE's SubFormat field.
var (
	subFormatPCM       = ole.NewGUID("{00000001-0000-0010-8000-00AA00389B71}")
	subFormatIEEEFloat = ole.NewGUID("{00000003-0000-0010-8000-00AA00389B71}")
)

// resolveMixFormat reads a WAVEFORMATEX (possibly the larger
// WAVEFORMATEXTENSIBLE laid over the same leading fields) and resolves it
// to the sample kind Meter Tap's buffer decoder dispatches on, following
// the format table in the component's spec exactly: float32 IEEE, or
// 16/24/32-bit signed PCM, little-endian; anything else decodes as
// silence.
func resolveMixFormat(wfx *wca.WAVEFORMATEX) resolvedFormat {
	rf := resolvedFormat{
		sampleRate: wfx.NSamplesPerSec,
		bits:       wfx.WBitsPerSample,
		channels:   wfx.NChannels,
	}

	tag := wfx.WFormatTag
	if tag == waveFormatExtensible {
		ext := (*waveFormatExtensibleTail)(unsafe.Pointer(uintptr(unsafe.Pointer(wfx)) + unsafe.Sizeof(wca.WAVEFORMATEX{})))
		switch {
		case ole.IsEqualGUID(&ext.subFormat, subFormatIEEEFloat):
			tag = waveFormatIEEEFloat
		case ole.IsEqualGUID(&ext.subFormat, subFormatPCM):
			tag = waveFormatPCM
		default:
			rf.kind = sampleUnknown
			return rf
		}
	}

	switch {
	case tag == waveFormatIEEEFloat && rf.bits == 32:
		rf.kind = sampleFloat32
	case tag == waveFormatPCM && rf.bits == 16:
		rf.kind = samplePCM16
	case tag == waveFormatPCM && rf.bits == 24:
		rf.kind = samplePCM24
	case tag == waveFormatPCM && rf.bits == 32:
		rf.kind = samplePCM32
	default:
		rf.kind = sampleUnknown
	}
	return rf
}

// waveFormatExtensibleTail is the portion of WAVEFORMATEXTENSIBLE that
// follows the WAVEFORMATEX fields: wValidBitsPerSample/wSamplesPerBlock
// union, dwChannelMask, and SubFormat.
type waveFormatExtensibleTail struct {
	samples       uint16
	channelMask   uint32
	subFormat     ole.GUID
}

// formatTag renders the human-readable string C3 attaches to a snapshot,
// e.g. "48 kHz 24-bit Stereo" or "Unknown format" when the mix format
// could not be read.
func formatTag(rf resolvedFormat) string {
	if rf.sampleRate == 0 {
		return "Unknown format"
	}
	channelLabel := fmt.Sprintf("%d-ch", rf.channels)
	switch rf.channels {
	case 1:
		channelLabel = "Mono"
	case 2:
		channelLabel = "Stereo"
	}
	rateKHz := float64(rf.sampleRate) / 1000
	return fmt.Sprintf("%s kHz %d-bit %s", trimTrailingZero(rateKHz), rf.bits, channelLabel)
}

func trimTrailingZero(khz float64) string {
	s := fmt.Sprintf("%.1f", khz)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
