//go:build windows

package wca

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	wcapkg "github.com/moutend/go-wca/pkg/wca"
	"golang.org/x/sys/windows"
)

// notificationClient is a hand-rolled IMMNotificationClient, built the
// same way endpointVolumeCallback builds IAudioEndpointVolumeCallback: a
// vtable of uintptrs wired to syscall.NewCallback-wrapped functions,
// embedded behind an ole.IUnknownVtbl.
type notificationClient struct {
	vTable   *notificationClientVtbl
	refCount int32
	router   *notificationRouter
}

type notificationClientVtbl struct {
	ole.IUnknownVtbl
	OnDeviceStateChanged   uintptr
	OnDeviceAdded          uintptr
	OnDeviceRemoved        uintptr
	OnDefaultDeviceChanged uintptr
	OnPropertyValueChanged uintptr
}

func ncQueryInterface(this uintptr, riid *ole.GUID, ppInterface *uintptr) int64 {
	*ppInterface = 0
	if ole.IsEqualGUID(riid, ole.IID_IUnknown) || ole.IsEqualGUID(riid, iidIMMNotificationClient) {
		ncAddRef(this)
		*ppInterface = this
		return ole.S_OK
	}
	return ole.E_NOINTERFACE
}

func ncAddRef(this uintptr) int64 {
	nc := (*notificationClient)(unsafe.Pointer(this))
	nc.refCount++
	return int64(nc.refCount)
}

func ncRelease(this uintptr) int64 {
	nc := (*notificationClient)(unsafe.Pointer(this))
	nc.refCount--
	return int64(nc.refCount)
}

func ncOnDeviceStateChanged(this uintptr, deviceID *uint16, _ uint32) int64 {
	nc := (*notificationClient)(unsafe.Pointer(this))
	nc.router.postTopologyChanged(lpcwstrToString(deviceID))
	return ole.S_OK
}

func ncOnDeviceAdded(this uintptr, deviceID *uint16) int64 {
	nc := (*notificationClient)(unsafe.Pointer(this))
	nc.router.postTopologyChanged(lpcwstrToString(deviceID))
	return ole.S_OK
}

func ncOnDeviceRemoved(this uintptr, deviceID *uint16) int64 {
	nc := (*notificationClient)(unsafe.Pointer(this))
	nc.router.postTopologyChanged(lpcwstrToString(deviceID))
	return ole.S_OK
}

func ncOnDefaultDeviceChanged(this uintptr, flow uint32, role uint32, deviceID *uint16) int64 {
	nc := (*notificationClient)(unsafe.Pointer(this))
	nc.router.postDefaultChanged(DataFlow(flow), roleFromERole(role), lpcwstrToString(deviceID))
	return ole.S_OK
}

func ncOnPropertyValueChanged(this uintptr, deviceID *uint16, _ uintptr) int64 {
	nc := (*notificationClient)(unsafe.Pointer(this))
	nc.router.postPropertyChanged(lpcwstrToString(deviceID))
	return ole.S_OK
}

func lpcwstrToString(p *uint16) string {
	if p == nil {
		return ""
	}
	s, err := windows.UTF16PtrToString(p)
	if err != nil {
		return ""
	}
	return s
}

func roleFromERole(role uint32) Role {
	switch role {
	case wcapkg.ECommunications:
		return RoleCommunications
	case wcapkg.EMultimedia:
		return RoleMultimedia
	default:
		return RoleConsole
	}
}

func newNotificationClient(router *notificationRouter) *notificationClient {
	vTable := &notificationClientVtbl{}
	vTable.QueryInterface = syscall.NewCallback(ncQueryInterface)
	vTable.AddRef = syscall.NewCallback(ncAddRef)
	vTable.Release = syscall.NewCallback(ncRelease)
	vTable.OnDeviceStateChanged = syscall.NewCallback(ncOnDeviceStateChanged)
	vTable.OnDeviceAdded = syscall.NewCallback(ncOnDeviceAdded)
	vTable.OnDeviceRemoved = syscall.NewCallback(ncOnDeviceRemoved)
	vTable.OnDefaultDeviceChanged = syscall.NewCallback(ncOnDefaultDeviceChanged)
	vTable.OnPropertyValueChanged = syscall.NewCallback(ncOnPropertyValueChanged)

	return &notificationClient{vTable: vTable, refCount: 1, router: router}
}

// notificationRouter owns the one IMMDeviceEnumerator registration and
// fans translated events out to whichever channel Start was given. Every
// OS callback body above does nothing but resolve a string and call one
// of the postX methods here — no lock is held across the call into the
// channel send, and the send itself never blocks (dropped on a full
// channel) so the OS notification thread is never stalled.
type notificationRouter struct {
	mu     sync.Mutex
	mmde   *wcapkg.IMMDeviceEnumerator
	client *notificationClient
	events chan<- RouterEvent
}

// NewNotificationRouter creates an unregistered router; Start performs
// the actual RegisterEndpointNotificationCallback call.
func NewNotificationRouter() NotificationRouter {
	return &notificationRouter{}
}

func (r *notificationRouter) Start(events chan<- RouterEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ensureCOMInitialized(); err != nil {
		return fmt.Errorf("notification router: initialize COM: %w", err)
	}

	var mmde *wcapkg.IMMDeviceEnumerator
	if err := wcapkg.CoCreateInstance(wcapkg.CLSID_MMDeviceEnumerator, 0, wcapkg.CLSCTX_ALL, wcapkg.IID_IMMDeviceEnumerator, &mmde); err != nil {
		return fmt.Errorf("notification router: create enumerator: %w", err)
	}

	r.events = events
	r.client = newNotificationClient(r)

	hr, _, _ := syscall.SyscallN(
		mmde.VTable().RegisterEndpointNotificationCallback,
		uintptr(unsafe.Pointer(mmde)),
		uintptr(unsafe.Pointer(r.client)),
	)
	if hr != 0 {
		mmde.Release()
		return fmt.Errorf("notification router: register callback: hresult 0x%08X", hr)
	}
	r.mmde = mmde
	return nil
}

func (r *notificationRouter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mmde != nil && r.client != nil {
		_, _, _ = syscall.SyscallN(
			r.mmde.VTable().UnregisterEndpointNotificationCallback,
			uintptr(unsafe.Pointer(r.mmde)),
			uintptr(unsafe.Pointer(r.client)),
		)
	}
	if r.mmde != nil {
		r.mmde.Release()
		r.mmde = nil
	}
	r.client = nil
	r.events = nil
}

func (r *notificationRouter) postTopologyChanged(id string) {
	r.post(RouterEvent{Kind: RouterTopologyChanged, ID: id})
}

func (r *notificationRouter) postDefaultChanged(flow DataFlow, role Role, id string) {
	if flow != FlowCapture && flow != FlowAll {
		return
	}
	r.post(RouterEvent{Kind: RouterDefaultChanged, ID: id, Flow: flow, Role: role})
}

func (r *notificationRouter) postPropertyChanged(id string) {
	r.post(RouterEvent{Kind: RouterPropertyChanged, ID: id})
}

func (r *notificationRouter) post(ev RouterEvent) {
	r.mu.Lock()
	events := r.events
	r.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}
