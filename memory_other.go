// Completion: 100% - Platform-specific module complete
//go:build !unix

package tracejit

func mapRegion(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}

// protectRegion is a no-op; Memory still rejects writes to protected code
func protectRegion(b []byte, writable bool) error {
	return nil
}
