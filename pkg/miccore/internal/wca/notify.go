package wca

// NotificationRouter hosts the OS endpoint-notification callback object
// and translates raw callbacks into RouterEvent values delivered on a
// buffered channel. Callback bodies must never block and must never call
// back into the notification-producing APIs on the calling thread; this
// is why delivery is a non-blocking channel send rather than a direct
// function call into caller code.
type NotificationRouter interface {
	// Start registers the callback object and begins delivering events.
	// events must be read continuously by the caller; deliveries that
	// would block are dropped rather than stalling the OS thread.
	Start(events chan<- RouterEvent) error
	// Stop unregisters the callback object. Best-effort.
	Stop()
}
