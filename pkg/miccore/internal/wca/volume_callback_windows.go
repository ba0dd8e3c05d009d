//go:build windows

package wca

import (
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
)

// audioVolumeNotificationData mirrors AUDIO_VOLUME_NOTIFICATION_DATA's
// leading fields (the trailing afChannelVolumes array is never read, so
// it is omitted — nothing here indexes past nChannels).
type audioVolumeNotificationData struct {
	guidEventContext ole.GUID
	bMuted           int32
	fMasterVolume    float32
	nChannels        uint32
}

// endpointVolumeCallback is a hand-rolled IAudioEndpointVolumeCallback,
// built the same way the teacher builds IAudioSessionEvents in
// wca_callbacks_windows.go: a vtable of uintptrs wired to
// syscall.NewCallback-wrapped functions, embedded behind an
// ole.IUnknownVtbl for QueryInterface/AddRef/Release.
type endpointVolumeCallback struct {
	vTable   *endpointVolumeCallbackVtbl
	refCount int32
	onNotify func(volume float32, muted bool)
}

type endpointVolumeCallbackVtbl struct {
	ole.IUnknownVtbl
	OnNotify uintptr
}

func evcQueryInterface(this uintptr, riid *ole.GUID, ppInterface *uintptr) int64 {
	*ppInterface = 0
	if ole.IsEqualGUID(riid, ole.IID_IUnknown) || ole.IsEqualGUID(riid, wca.IID_IAudioEndpointVolumeCallback) {
		evcAddRef(this)
		*ppInterface = this
		return ole.S_OK
	}
	return ole.E_NOINTERFACE
}

func evcAddRef(this uintptr) int64 {
	evc := (*endpointVolumeCallback)(unsafe.Pointer(this))
	evc.refCount++
	return int64(evc.refCount)
}

func evcRelease(this uintptr) int64 {
	evc := (*endpointVolumeCallback)(unsafe.Pointer(this))
	evc.refCount--
	return int64(evc.refCount)
}

func evcOnNotify(this uintptr, notify uintptr) int64 {
	evc := (*endpointVolumeCallback)(unsafe.Pointer(this))
	if evc.onNotify == nil || notify == 0 {
		return ole.S_OK
	}
	data := (*audioVolumeNotificationData)(unsafe.Pointer(notify))
	evc.onNotify(data.fMasterVolume, data.bMuted != 0)
	return ole.S_OK
}

// newEndpointVolumeCallback builds a callback object invoking onNotify
// whenever the OS reports a volume/mute change on the endpoint it is
// registered against.
func newEndpointVolumeCallback(onNotify func(volume float32, muted bool)) *endpointVolumeCallback {
	vTable := &endpointVolumeCallbackVtbl{}
	vTable.QueryInterface = syscall.NewCallback(evcQueryInterface)
	vTable.AddRef = syscall.NewCallback(evcAddRef)
	vTable.Release = syscall.NewCallback(evcRelease)
	vTable.OnNotify = syscall.NewCallback(evcOnNotify)

	evc := &endpointVolumeCallback{vTable: vTable, onNotify: onNotify}
	return evc
}

func (evc *endpointVolumeCallback) toWCA() *wca.IAudioEndpointVolumeCallback {
	return (*wca.IAudioEndpointVolumeCallback)(unsafe.Pointer(evc))
}
