package driver

import "golang.org/x/sys/unix"

const (
	sigterm = unix.SIGTERM
	sigkill = unix.SIGKILL
)
