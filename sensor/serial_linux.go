//go:build linux

package sensor

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// OpenDevice opens path for reading. A tty is switched to raw 9600 8N1, the
// line settings of the SDS011; any other file is read as is.
func OpenDevice(path string) (io.ReadCloser, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to open device %w", err)
	}

	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		// not a tty
		return f, nil
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | unix.B9600
	t.Ispeed = unix.B9600
	t.Ospeed = unix.B9600
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	err = unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to configure device %w", err)
	}

	return f, nil
}
