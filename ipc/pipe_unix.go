//go:build unix

package ipc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// ensurePipe creates the FIFO when nothing exists at name yet.
func ensurePipe(name string) error {
	info, err := os.Stat(name)
	switch {
	case err == nil:
		if info.Mode()&os.ModeNamedPipe == 0 {
			return fmt.Errorf("%q exists and is not a FIFO", name)
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
		if err := unix.Mkfifo(name, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("mkfifo: %w", err)
		}
		return nil
	default:
		return err
	}
}
