// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"strconv"
	"strings"

	"thermal-host/pkg/errors"
)

// Section provides typed access to the options of one config section.
type Section struct {
	name    string
	options map[string]string
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{name: name, options: opts}
}

// Name returns the section name as written in the file.
func (s *Section) Name() string {
	return s.name
}

// HasOption reports whether an option exists in this section.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Options returns a copy of the raw option map.
func (s *Section) Options() map[string]string {
	out := make(map[string]string, len(s.options))
	for k, v := range s.options {
		out[k] = v
	}
	return out
}

// Get returns a string option value. If a fallback is provided and the
// option is missing, the fallback is returned; otherwise missing options
// are a config error.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", errors.ConfigError(s.name, "option '%s' is required", option).SetOption(option)
}

// GetFloat returns a float option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.ConfigError(s.name, "option '%s' is required", option).SetOption(option)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, errors.ConfigError(s.name, "option '%s' is not a valid number: %q", option, v).SetOption(option)
	}
	return f, nil
}

// GetFloatOrNil returns a float option value, or nil if the option is
// absent. Used for inheritable options like smooth_time.
func (s *Section) GetFloatOrNil(option string) (*float64, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		return nil, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return nil, errors.ConfigError(s.name, "option '%s' is not a valid number: %q", option, v).SetOption(option)
	}
	return &f, nil
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.ConfigError(s.name, "option '%s' is required", option).SetOption(option)
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.ConfigError(s.name, "option '%s' is not a valid integer: %q", option, v).SetOption(option)
	}
	return i, nil
}

// GetBool returns a boolean option value.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return false, errors.ConfigError(s.name, "option '%s' is required", option).SetOption(option)
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, errors.ConfigError(s.name, "option '%s' is not a valid boolean: %q", option, v).SetOption(option)
}
