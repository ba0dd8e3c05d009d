//go:build windows

package wca

import (
	"context"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/nik9play/miccore/pkg/miccore/internal/apartment"
)

// policyConfigVtbl mirrors the undocumented IPolicyConfig vtable: three
// IUnknown slots, ten reserved slots that must not be called and must
// not be omitted (omitting them shifts every later offset and crashes
// the process), then the one method this adapter uses. The struct is
// never instantiated; it exists only so unsafe.Sizeof/field offsets
// document the layout next to the offset arithmetic below, the same way
// pozitronik's getMeteringChannelCount comments the IAudioMeterInformation
// offsets it relies on.
type policyConfigVtbl struct {
	queryInterface, addRef, release uintptr
	reserved                        [10]uintptr
	setDefaultEndpoint               uintptr
}

const setDefaultEndpointOffset = 13 // 3 (IUnknown) + 10 reserved

type policyAdapter struct {
	worker *apartment.Worker
}

// NewPolicyAdapter returns a PolicyAdapter whose calls run on worker.
func NewPolicyAdapter(worker *apartment.Worker) PolicyAdapter {
	return &policyAdapter{worker: worker}
}

func (p *policyAdapter) SetDefault(ctx context.Context, id string, role Role) error {
	future, err := p.worker.Submit(ctx, func() (interface{}, error) {
		return nil, setDefaultEndpointOnce(id, role)
	})
	if err != nil {
		return err
	}
	_, err = future.Wait(ctx)
	return err
}

func (p *policyAdapter) SetDefaultAll(ctx context.Context, id string) error {
	future, err := p.worker.Submit(ctx, func() (interface{}, error) {
		return nil, setDefaultEndpointAllRoles(id)
	})
	if err != nil {
		return err
	}
	_, err = future.Wait(ctx)
	return err
}

func acquirePolicyConfig() (unsafe.Pointer, error) {
	unknown, err := ole.CreateInstance(clsidPolicyConfig, iidPolicyConfig)
	if err != nil {
		return nil, fmt.Errorf("create policy config instance: %w", err)
	}
	return unsafe.Pointer(unknown), nil
}

func releasePolicyConfig(obj unsafe.Pointer) {
	(*ole.IUnknown)(obj).Release()
}

func callSetDefaultEndpoint(obj unsafe.Pointer, id string, role Role) error {
	vtbl := *(**uintptr)(obj)
	methodPtr := *(*uintptr)(unsafe.Pointer(uintptr(unsafe.Pointer(vtbl)) + setDefaultEndpointOffset*unsafe.Sizeof(uintptr(0))))

	deviceID, err := syscall.UTF16PtrFromString(id)
	if err != nil {
		return fmt.Errorf("encode device id: %w", err)
	}

	hr, _, _ := syscall.SyscallN(
		methodPtr,
		uintptr(obj),
		uintptr(unsafe.Pointer(deviceID)),
		uintptr(role),
	)
	if hr != 0 {
		return classifyPolicyHRESULT(hr)
	}
	return nil
}

func setDefaultEndpointOnce(id string, role Role) error {
	obj, err := acquirePolicyConfig()
	if err != nil {
		return err
	}
	defer releasePolicyConfig(obj)
	return callSetDefaultEndpoint(obj, id, role)
}

func setDefaultEndpointAllRoles(id string) error {
	obj, err := acquirePolicyConfig()
	if err != nil {
		return err
	}
	defer releasePolicyConfig(obj)

	if err := callSetDefaultEndpoint(obj, id, RoleConsole); err != nil {
		return err
	}
	// Per spec: the second write is not rolled back on failure. The
	// caller sees this as failure of the aggregate call even though
	// Console may now point at id.
	return callSetDefaultEndpoint(obj, id, RoleCommunications)
}

// classifyPolicyHRESULT maps a raw HRESULT from SetDefaultEndpoint into
// one of the sentinel errors in errors.go, matching the taxonomy every
// other OS-facing call in this package uses.
func classifyPolicyHRESULT(hr uintptr) error {
	const (
		eInvalidArg = 0x80070057
		eAccessDenied = 0x80070005
		eNotFound = 0x80070490
	)
	switch uint32(hr) {
	case eNotFound, eInvalidArg:
		return fmt.Errorf("set default endpoint: %w", ErrEndpointNotFound)
	case eAccessDenied:
		return fmt.Errorf("set default endpoint: %w", ErrAccessDenied)
	default:
		return fmt.Errorf("set default endpoint: hresult 0x%08X: %w", uint32(hr), ErrPolicyFailure)
	}
}
