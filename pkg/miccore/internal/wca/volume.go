package wca

// VolumeChangeHandler receives the new (volume, muted) pair whenever the
// OS reports a change for the endpoint ID the subscription was bound to.
// It may be invoked on an arbitrary OS-notification thread.
type VolumeChangeHandler func(id string, volume float64, muted bool)

// VolumeController manages per-endpoint volume/mute state and change
// callbacks. All subscribe/unsubscribe operations for a given endpoint ID
// are mutually excluded by a controller-wide lock; duplicate
// subscription for the same ID is idempotent.
type VolumeController interface {
	GetVolume(id string) (float64, error)
	// SetVolume clamps scalar to [0,1] and writes it. Transient OS errors
	// (the device vanished between enumeration and write) are swallowed:
	// the call returns nil.
	SetVolume(id string, scalar float64) error
	IsMuted(id string) (bool, error)
	// ToggleMute reads, writes the complement, and returns it. Returns
	// false with no error if the device has disappeared.
	ToggleMute(id string) (bool, error)
	Subscribe(id string, handler VolumeChangeHandler) error
	Unsubscribe(id string) error
	Close() error
}
