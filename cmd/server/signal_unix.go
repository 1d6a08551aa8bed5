//go:build unix

package main

import (
	"os"
	"syscall"
)

// diagSignals trigger an on-demand queue-depth snapshot.
var diagSignals = []os.Signal{syscall.SIGUSR1}
