//go:build !windows

package apartment

// COMInit on non-Windows platforms is a no-op: there is no COM apartment
// to initialize. It exists purely so the Worker can be exercised by
// platform-independent tests without a build-tag split at every call
// site.
func COMInit() (InitFunc, UninitFunc) {
	return func() error { return nil }, func() {}
}
