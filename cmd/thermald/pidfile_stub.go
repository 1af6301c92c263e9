// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build !linux

package main

import (
	"fmt"
	"os"
)

// acquirePidFile writes the pid without locking; flock is only
// available on Linux.
func acquirePidFile(path string) (func(), error) {
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return func() { os.Remove(path) }, nil
}
