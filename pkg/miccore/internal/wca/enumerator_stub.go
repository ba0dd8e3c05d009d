//go:build !windows

package wca

type enumeratorStub struct{}

// NewEnumerator on non-Windows platforms returns an enumerator whose
// queries always fail or return empty, never the OS.
func NewEnumerator() (Enumerator, error) {
	return &enumeratorStub{}, nil
}

func (*enumeratorStub) ListActive() ([]EndpointInfo, error) { return nil, nil }
func (*enumeratorStub) FindByID(id string) (EndpointInfo, bool, error) {
	return EndpointInfo{}, false, nil
}
func (*enumeratorStub) DefaultID(role Role) (string, bool) { return "", false }
func (*enumeratorStub) Close() error                        { return nil }
