//go:build !linux

package sensor

import (
	"fmt"
	"io"
	"os"
)

// OpenDevice opens path for reading. The line settings are left to the
// system on this platform.
func OpenDevice(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open device %w", err)
	}

	return f, nil
}
