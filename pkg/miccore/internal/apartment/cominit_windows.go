//go:build windows

package apartment

import (
	"fmt"

	"github.com/go-ole/go-ole"
)

// comSFalse is S_FALSE, the HRESULT CoInitializeEx returns when COM was
// already initialized on this thread with a compatible concurrency
// model. It is not a failure.
const comSFalse = 0x00000001

// COMInit returns an InitFunc/UninitFunc pair that initializes the
// calling thread as a single-threaded apartment, the model the
// undocumented policy-config object requires. Initialization is tried
// once, with no retry. Grounded on initializeCOMLoop's handling of the
// benign result: ole.CoInitializeEx returns the
// benign S_FALSE/"already initialized" condition as an *ole.OleError,
// which is not a real failure and must not be surfaced as one.
func COMInit() (InitFunc, UninitFunc) {
	init := func() error {
		if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
			if oleErr, ok := err.(*ole.OleError); ok && oleErr.Code() == comSFalse {
				return nil
			}
			return fmt.Errorf("CoInitializeEx: %w", err)
		}
		return nil
	}
	uninit := func() {
		ole.CoUninitialize()
	}
	return init, uninit
}
