//go:build !unix

package main

import "os"

var diagSignals []os.Signal
