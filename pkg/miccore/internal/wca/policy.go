package wca

import "context"

// PolicyAdapter exposes the undocumented default-device setter: obtain a
// fresh instance of the policy-config object, invoke the role-setter
// method(s), then release the object — all performed on the caller's
// apartment worker, since the object requires apartment-threaded
// execution.
type PolicyAdapter interface {
	// SetDefault sets the console-or-communications default for a single
	// role.
	SetDefault(ctx context.Context, id string, role Role) error
	// SetDefaultAll sets both Console and Communications to id inside a
	// single acquired policy-config instance. If the second write fails,
	// the first is not rolled back: the OS has no rollback primitive, and
	// the caller must treat partial success as failure of the aggregate
	// operation while knowing the endpoint may still be the console
	// default.
	SetDefaultAll(ctx context.Context, id string) error
}
