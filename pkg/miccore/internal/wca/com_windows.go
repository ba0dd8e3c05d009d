//go:build windows

package wca

import (
	"errors"
	"runtime"
	"sync"

	"github.com/go-ole/go-ole"
)

var comInitMutex sync.Mutex

const comSFalse = 0x00000001

// ensureCOMInitialized initializes COM on the calling goroutine's OS
// thread if it has not been already. COM state is thread-specific, so
// every goroutine that issues CoCreateInstance/Activate calls outside
// the apartment worker (C1, reserved for the undocumented policy object)
// must call this once before doing so; repeat calls on an
// already-initialized thread are a cheap no-op.
func ensureCOMInitialized() error {
	comInitMutex.Lock()
	defer comInitMutex.Unlock()

	runtime.LockOSThread()

	err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED)
	if err == nil {
		return nil
	}

	var oleErr *ole.OleError
	if errors.As(err, &oleErr) && oleErr.Code() == comSFalse {
		return nil // already initialized on this thread
	}

	runtime.UnlockOSThread()
	return err
}
