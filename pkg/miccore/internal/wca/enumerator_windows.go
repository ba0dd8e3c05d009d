//go:build windows

package wca

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
)

type enumerator struct {
	mmde *wca.IMMDeviceEnumerator
}

// NewEnumerator creates the one IMMDeviceEnumerator the Coordinator keeps
// for the lifetime of the core, per the ownership rule in the data model
// ("Coordinator exclusively owns C1, C7, C8, C9, and the currently
// active C5" — the enumerator itself is the OS object this wraps).
func NewEnumerator() (Enumerator, error) {
	if err := ensureCOMInitialized(); err != nil {
		return nil, fmt.Errorf("initialize COM: %w", err)
	}

	var mmde *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &mmde); err != nil {
		return nil, fmt.Errorf("create device enumerator: %w", err)
	}
	return &enumerator{mmde: mmde}, nil
}

func (e *enumerator) ListActive() ([]EndpointInfo, error) {
	var collection *wca.IMMDeviceCollection
	if err := e.mmde.EnumAudioEndpoints(wca.ECapture, wca.DEVICE_STATE_ACTIVE, &collection); err != nil {
		return nil, fmt.Errorf("enumerate active capture endpoints: %w", err)
	}
	defer collection.Release()

	var count uint32
	if err := collection.GetCount(&count); err != nil {
		return nil, fmt.Errorf("get device count: %w", err)
	}

	consoleDefault, haveConsole := e.defaultIDLocked(RoleConsole)
	commsDefault, haveComms := e.defaultIDLocked(RoleCommunications)

	infos := make([]EndpointInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		var device *wca.IMMDevice
		if err := collection.Item(i, &device); err != nil {
			continue // swallowed: one bad slot must not fail the whole list
		}

		info := e.queryDevice(device)
		device.Release()

		info.IsDefaultConsole = haveConsole && info.ID == consoleDefault
		info.IsDefaultCommunications = haveComms && info.ID == commsDefault
		infos = append(infos, info)
	}
	return infos, nil
}

func (e *enumerator) FindByID(id string) (EndpointInfo, bool, error) {
	var device *wca.IMMDevice
	if err := e.mmde.GetDevice(id, &device); err != nil {
		return EndpointInfo{}, false, nil
	}
	defer device.Release()

	info := e.queryDevice(device)
	consoleDefault, haveConsole := e.defaultIDLocked(RoleConsole)
	commsDefault, haveComms := e.defaultIDLocked(RoleCommunications)
	info.IsDefaultConsole = haveConsole && info.ID == consoleDefault
	info.IsDefaultCommunications = haveComms && info.ID == commsDefault
	return info, true, nil
}

func (e *enumerator) DefaultID(role Role) (string, bool) {
	return e.defaultIDLocked(role)
}

func (e *enumerator) defaultIDLocked(role Role) (string, bool) {
	var device *wca.IMMDevice
	if err := e.mmde.GetDefaultAudioEndpoint(wca.ECapture, toERole(role), &device); err != nil {
		return "", false
	}
	defer device.Release()

	var id string
	if err := device.GetId(&id); err != nil {
		return "", false
	}
	return id, true
}

func toERole(role Role) uint32 {
	switch role {
	case RoleCommunications:
		return wca.ECommunications
	case RoleMultimedia:
		return wca.EMultimedia
	default:
		return wca.EConsole
	}
}

// queryDevice resolves one device's properties, applying the documented
// property-query defaults on any failure: name="", volume=1.0,
// mute=false, format="Unknown format".
func (e *enumerator) queryDevice(device *wca.IMMDevice) EndpointInfo {
	info := EndpointInfo{VolumeScalar: 1.0, FormatTag: "Unknown format"}

	var id string
	if err := device.GetId(&id); err == nil {
		info.ID = id
	}

	if propertyStore, err := openPropertyStore(device); err == nil {
		defer propertyStore.Release()
		if name, ok := friendlyName(propertyStore); ok {
			info.Name = name
		}
	}

	if volume, muted, ok := endpointVolumeAndMute(device); ok {
		info.VolumeScalar = volume
		info.IsMuted = muted
	}

	if tag, ok := mixFormatTag(device); ok {
		info.FormatTag = tag
	}

	return info
}

func openPropertyStore(device *wca.IMMDevice) (*wca.IPropertyStore, error) {
	var propertyStore *wca.IPropertyStore
	if err := device.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		return nil, err
	}
	return propertyStore, nil
}

func friendlyName(propertyStore *wca.IPropertyStore) (string, bool) {
	value := &wca.PROPVARIANT{}
	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		return "", false
	}
	return strings.TrimSpace(value.String()), true
}

func endpointVolumeAndMute(device *wca.IMMDevice) (volume float64, muted bool, ok bool) {
	var aev *wca.IAudioEndpointVolume
	if err := device.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &aev); err != nil {
		return 0, false, false
	}
	defer aev.Release()

	var level float32
	if err := aev.GetMasterVolumeLevelScalar(&level); err != nil {
		return 0, false, false
	}
	var m bool
	if err := aev.GetMute(&m); err != nil {
		return 0, false, false
	}
	return float64(level), m, true
}

func mixFormatTag(device *wca.IMMDevice) (string, bool) {
	var client *wca.IAudioClient
	if err := device.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &client); err != nil {
		return "", false
	}
	defer client.Release()

	var wfx *wca.WAVEFORMATEX
	if err := client.GetMixFormat(&wfx); err != nil {
		return "", false
	}
	defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))

	return formatTag(resolveMixFormat(wfx)), true
}

func (e *enumerator) Close() error {
	if e.mmde != nil {
		e.mmde.Release()
		e.mmde = nil
	}
	return nil
}
