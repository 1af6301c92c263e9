// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Autosave extends Config with runtime modification and save support.
// Changes made through it are tracked and written back atomically.
type Autosave struct {
	*Config

	mu sync.RWMutex

	originalPath string
	dirty        bool
}

// NewAutosave wraps a Config with save-back support.
func NewAutosave(cfg *Config, path string) *Autosave {
	return &Autosave{Config: cfg, originalPath: path}
}

// LoadAutosave loads a config file with save-back support. A missing
// file yields an empty config bound to that path.
func LoadAutosave(path string) (*Autosave, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewAutosave(New(), path), nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewAutosave(cfg, path), nil
}

// SetOption sets or updates an option value, creating the section when
// necessary.
func (a *Autosave) SetOption(section, option, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sec := a.Config.GetSectionOptional(section)
	if sec == nil {
		a.Config.addSection(section, map[string]string{option: value})
	} else {
		sec.options[strings.ToLower(option)] = value
	}
	a.dirty = true
}

// RemoveSection deletes a section. Removing a missing section is a no-op.
func (a *Autosave) RemoveSection(section string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := strings.ToLower(section)
	if _, ok := a.Config.sections[key]; !ok {
		return
	}
	delete(a.Config.sections, key)
	for i, k := range a.Config.order {
		if k == key {
			a.Config.order = append(a.Config.order[:i], a.Config.order[i+1:]...)
			break
		}
	}
	a.dirty = true
}

// HasChanges reports whether there are unsaved changes.
func (a *Autosave) HasChanges() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dirty
}

// Save writes the current configuration to the given path, or to the
// original path when path is empty. The write is atomic (temp file and
// rename).
func (a *Autosave) Save(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if path == "" {
		path = a.originalPath
	}
	if path == "" {
		return fmt.Errorf("config: no path to save to")
	}

	content := a.buildContent()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename temp file: %w", err)
	}

	a.dirty = false
	return nil
}

// buildContent renders the INI content with sorted sections and options.
func (a *Autosave) buildContent() string {
	var sb strings.Builder

	names := a.Config.SectionNames()
	sort.Strings(names)

	for i, name := range names {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[")
		sb.WriteString(name)
		sb.WriteString("]\n")

		sec := a.Config.GetSectionOptional(name)
		if sec == nil {
			continue
		}
		opts := make([]string, 0, len(sec.options))
		for opt := range sec.options {
			opts = append(opts, opt)
		}
		sort.Strings(opts)
		for _, opt := range opts {
			sb.WriteString(opt)
			sb.WriteString(": ")
			sb.WriteString(sec.options[opt])
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Path returns the path the config was loaded from.
func (a *Autosave) Path() string {
	return a.originalPath
}
