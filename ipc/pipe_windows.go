//go:build windows

package ipc

// ensurePipe is a no-op on Windows. The host process creates the named-pipe
// server endpoints; the daemon only opens the client ends.
func ensurePipe(string) error { return nil }
