// GPIO line access via the Linux character device
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build linux

package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// OpenLine requests the named GPIO line as an output driven low. Pi
// kernels commonly name header lines "GPIO18" and so on; the chip
// holding the line is discovered by scanning /dev.
func OpenLine(lineName, consumer string) (LineDriver, error) {
	if lineName == "" {
		return nil, fmt.Errorf("output: empty gpio line name")
	}

	chipCandidates := []string{"/dev/gpiochip0"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			chipCandidates = append(chipCandidates, filepath.Join("/dev", name))
		}
	}

	for _, chipPath := range chipCandidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0),
			gpiocdev.WithConsumer(consumer))
		if err != nil {
			chip.Close()
			continue
		}
		return &cdevLine{chip: chip, line: line}, nil
	}
	return nil, fmt.Errorf("output: gpio line %q not found (or busy)", lineName)
}

type cdevLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (l *cdevLine) SetValue(value int) error {
	if l.line == nil {
		return fmt.Errorf("output: gpio line not initialized")
	}
	return l.line.SetValue(value)
}

func (l *cdevLine) Close() error {
	if l.line == nil {
		return nil
	}
	// Leave the heater off.
	_ = l.line.SetValue(0)
	err := l.line.Close()
	l.line = nil
	if l.chip != nil {
		_ = l.chip.Close()
		l.chip = nil
	}
	return err
}
