//go:build !unix

package statusfs

// lockPath is a no-op where flock is unavailable; the in-process mutex still
// serializes writers inside one orchestrator.
func lockPath(string) (func() error, error) {
	return func() error { return nil }, nil
}
