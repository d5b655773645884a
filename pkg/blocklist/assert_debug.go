//go:build debug

package blocklist

// panicOnInternal is wired into TransferList's internal-error return paths
// under the debug build tag, so a debug test binary fails hard at the
// point of the violated invariant instead of propagating a diagnostic
// error up through several callers first.
func panicOnInternal(err error) error {
	if err != nil {
		panic(err)
	}
	return err
}
