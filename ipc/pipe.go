// Package ipc bridges the daemon's event bus to the host UI process over a
// pipe pair carrying newline-delimited {type, data} JSON frames.
package ipc

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

// Pipes are the daemon-side ends of the host IPC channel. In carries
// operations from the host, Out carries notifications back.
type Pipes struct {
	In  io.ReadCloser
	Out io.WriteCloser
}

// OpenPipes opens the named host pipes. Empty names fall back to the
// process's own stdin/stdout so the daemon can be driven from a terminal
// or a test harness.
//
// Pipe opens block until the host attaches the matching end, so both names
// are opened concurrently and startup rendezvous is order-independent.
func OpenPipes(stdinName, stdoutName string) (Pipes, error) {
	if stdinName == "" && stdoutName == "" {
		return Pipes{In: os.Stdin, Out: os.Stdout}, nil
	}
	if stdinName == "" || stdoutName == "" {
		return Pipes{}, fmt.Errorf("both pipe names are required, got stdin %q and stdout %q", stdinName, stdoutName)
	}

	for _, name := range []string{stdinName, stdoutName} {
		if err := ensurePipe(name); err != nil {
			return Pipes{}, fmt.Errorf("prepare pipe %q: %w", name, err)
		}
	}

	var (
		group errgroup.Group
		in    *os.File
		out   *os.File
	)
	group.Go(func() error {
		file, err := os.OpenFile(stdinName, os.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("open stdin pipe %q: %w", stdinName, err)
		}
		in = file
		return nil
	})
	group.Go(func() error {
		file, err := os.OpenFile(stdoutName, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("open stdout pipe %q: %w", stdoutName, err)
		}
		out = file
		return nil
	})
	if err := group.Wait(); err != nil {
		if in != nil {
			in.Close()
		}
		if out != nil {
			out.Close()
		}
		return Pipes{}, err
	}

	return Pipes{In: in, Out: out}, nil
}
