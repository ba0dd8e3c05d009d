//go:build windows

package wca

import (
	"fmt"
	"sync"

	"github.com/moutend/go-wca/pkg/wca"
)

type volumeSubscription struct {
	endpoint *wca.IAudioEndpointVolume
	callback *endpointVolumeCallback
}

type volumeController struct {
	mu   sync.Mutex
	subs map[string]*volumeSubscription
}

// NewVolumeController returns a VolumeController backed by per-endpoint
// IAudioEndpointVolume activations. Each call opens and releases its own
// IMMDevice/IAudioEndpointVolume pair; subscriptions keep theirs open for
// the lifetime of the subscription, per C4's contract.
func NewVolumeController() VolumeController {
	return &volumeController{subs: make(map[string]*volumeSubscription)}
}

func activateEndpointVolume(id string) (*wca.IMMDevice, *wca.IAudioEndpointVolume, error) {
	if err := ensureCOMInitialized(); err != nil {
		return nil, nil, fmt.Errorf("initialize COM: %w", err)
	}

	var enumerator *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &enumerator); err != nil {
		return nil, nil, fmt.Errorf("create device enumerator: %w", err)
	}
	defer enumerator.Release()

	var device *wca.IMMDevice
	if err := enumerator.GetDevice(id, &device); err != nil {
		return nil, nil, fmt.Errorf("%w: get device %s: %v", ErrEndpointNotFound, id, err)
	}

	var volume *wca.IAudioEndpointVolume
	if err := device.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &volume); err != nil {
		device.Release()
		return nil, nil, fmt.Errorf("activate endpoint volume for %s: %w", id, err)
	}
	return device, volume, nil
}

func (vc *volumeController) GetVolume(id string) (float64, error) {
	device, volume, err := activateEndpointVolume(id)
	if err != nil {
		return 0, err
	}
	defer device.Release()
	defer volume.Release()

	var level float32
	if err := volume.GetMasterVolumeLevelScalar(&level); err != nil {
		return 0, fmt.Errorf("get master volume for %s: %w", id, err)
	}
	return float64(level), nil
}

func (vc *volumeController) SetVolume(id string, scalar float64) error {
	if scalar < 0 {
		scalar = 0
	}
	if scalar > 1 {
		scalar = 1
	}
	device, volume, err := activateEndpointVolume(id)
	if err != nil {
		// the device may have vanished between enumeration and write; this
		// is a swallowed condition per C4's contract.
		return nil
	}
	defer device.Release()
	defer volume.Release()

	if err := volume.SetMasterVolumeLevelScalar(float32(scalar), nil); err != nil {
		return nil
	}
	return nil
}

func (vc *volumeController) IsMuted(id string) (bool, error) {
	device, volume, err := activateEndpointVolume(id)
	if err != nil {
		return false, err
	}
	defer device.Release()
	defer volume.Release()

	var muted bool
	if err := volume.GetMute(&muted); err != nil {
		return false, fmt.Errorf("get mute for %s: %w", id, err)
	}
	return muted, nil
}

func (vc *volumeController) ToggleMute(id string) (bool, error) {
	device, volume, err := activateEndpointVolume(id)
	if err != nil {
		return false, nil
	}
	defer device.Release()
	defer volume.Release()

	var muted bool
	if err := volume.GetMute(&muted); err != nil {
		return false, nil
	}
	newState := !muted
	if err := volume.SetMute(newState, nil); err != nil {
		return false, nil
	}
	return newState, nil
}

func (vc *volumeController) Subscribe(id string, handler VolumeChangeHandler) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if _, exists := vc.subs[id]; exists {
		return nil // idempotent
	}

	device, volume, err := activateEndpointVolume(id)
	if err != nil {
		return err
	}

	callback := newEndpointVolumeCallback(func(v float32, muted bool) {
		handler(id, float64(v), muted)
	})
	if err := volume.RegisterControlChangeNotify(callback.toWCA()); err != nil {
		volume.Release()
		device.Release()
		return fmt.Errorf("register volume notify for %s: %w", id, err)
	}

	vc.subs[id] = &volumeSubscription{endpoint: volume, callback: callback}
	device.Release()
	return nil
}

func (vc *volumeController) Unsubscribe(id string) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	sub, exists := vc.subs[id]
	if !exists {
		return nil
	}
	delete(vc.subs, id)

	if err := sub.endpoint.UnregisterControlChangeNotify(sub.callback.toWCA()); err != nil {
		sub.endpoint.Release()
		return fmt.Errorf("unregister volume notify for %s: %w", id, err)
	}
	sub.endpoint.Release()
	return nil
}

func (vc *volumeController) Close() error {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	var firstErr error
	for id, sub := range vc.subs {
		if err := sub.endpoint.UnregisterControlChangeNotify(sub.callback.toWCA()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unregister volume notify for %s: %w", id, err)
		}
		sub.endpoint.Release()
		delete(vc.subs, id)
	}
	return firstErr
}
