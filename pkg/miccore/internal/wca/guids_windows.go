//go:build windows

package wca

import "github.com/go-ole/go-ole"

// The undocumented default-device policy object. Its class and interface
// GUIDs, and its vtable layout (ten reserved slots before the one used
// method), are fixed by the OS and must be reproduced exactly — there is
// no supported replacement and no way to probe for the layout at
// runtime.
var (
	clsidPolicyConfig = ole.NewGUID("{870AF99C-171D-4F9E-AF0D-E63DF40C2BC9}")
	iidPolicyConfig   = ole.NewGUID("{F8679F50-850A-41CF-9C72-430F290290C8}")

	iidIMMNotificationClient = ole.NewGUID("{7991EEC9-7E89-4D85-8390-6C703CEC60C0}")
)
