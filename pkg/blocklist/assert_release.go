//go:build !debug

package blocklist

// panicOnInternal is a no-op outside the debug build tag: callers get the
// diagnostic error back and decide what to do with it, matching the
// release-mode destructor-returns-error redesign.
func panicOnInternal(err error) error {
	return err
}
