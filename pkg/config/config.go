// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Config provides access to an INI-style configuration file.
// Section and option names are case-insensitive; values keep their case.
type Config struct {
	sections map[string]*Section
	order    []string
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
	}
}

// Load reads a configuration file and returns a Config.
// Supports [include path] directives for including other config files.
func Load(path string) (*Config, error) {
	c := New()
	visited := make(map[string]bool)
	if err := c.parseFile(path, visited); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse reads configuration from a reader. Include directives are not
// supported here since there is no base directory to resolve against.
func Parse(r io.Reader) (*Config, error) {
	c := New()
	if err := c.parse(r, "", "<reader>", nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	return c.parse(f, filepath.Dir(abs), path, visited)
}

func (c *Config) parse(r io.Reader, dir, path string, visited map[string]bool) error {
	var currentSection string
	var currentOptions map[string]string

	flush := func() {
		if currentSection != "" {
			c.addSection(currentSection, currentOptions)
		}
		currentSection = ""
		currentOptions = nil
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == ';' {
			continue
		}
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return fmt.Errorf("config: empty section header at line %d in %s", lineNum, path)
			}

			if strings.HasPrefix(header, "include ") {
				if visited == nil {
					return fmt.Errorf("config: include not supported at line %d in %s", lineNum, path)
				}
				spec := strings.TrimSpace(header[len("include "):])
				if spec == "" {
					return fmt.Errorf("config: empty include at line %d in %s", lineNum, path)
				}
				glob := filepath.Join(dir, spec)
				matches, err := filepath.Glob(glob)
				if err != nil {
					return fmt.Errorf("config: invalid include pattern %q: %w", spec, err)
				}
				sort.Strings(matches)
				if len(matches) == 0 && !strings.ContainsAny(spec, "*?[") {
					return fmt.Errorf("config: include file does not exist: %s", glob)
				}
				for _, m := range matches {
					if err := c.parseFile(m, visited); err != nil {
						return err
					}
				}
				continue
			}

			currentSection = header
			currentOptions = make(map[string]string)
			continue
		}

		sep := strings.IndexAny(line, ":=")
		if sep < 0 {
			return fmt.Errorf("config: malformed line %d in %s: %q", lineNum, path, line)
		}
		if currentSection == "" {
			return fmt.Errorf("config: option before any section at line %d in %s", lineNum, path)
		}
		key := strings.TrimSpace(line[:sep])
		value := strings.TrimSpace(line[sep+1:])
		if key == "" {
			return fmt.Errorf("config: empty option name at line %d in %s", lineNum, path)
		}
		currentOptions[key] = value
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	flush()
	return nil
}

// addSection registers a section, merging options into an existing one.
func (c *Config) addSection(name string, options map[string]string) {
	key := strings.ToLower(name)
	if sec, ok := c.sections[key]; ok {
		for k, v := range options {
			sec.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[key] = newSection(name, options)
	c.order = append(c.order, key)
}

// HasSection reports whether a section exists.
func (c *Config) HasSection(name string) bool {
	_, ok := c.sections[strings.ToLower(name)]
	return ok
}

// GetSection returns a section or an error if it does not exist.
func (c *Config) GetSection(name string) (*Section, error) {
	sec, ok := c.sections[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("config: section [%s] not found", name)
	}
	return sec, nil
}

// GetSectionOptional returns a section or nil if it does not exist.
func (c *Config) GetSectionOptional(name string) *Section {
	return c.sections[strings.ToLower(name)]
}

// SectionNames returns all section names in file order.
func (c *Config) SectionNames() []string {
	names := make([]string, 0, len(c.order))
	for _, key := range c.order {
		names = append(names, c.sections[key].name)
	}
	return names
}

// PrefixSections returns all sections whose name starts with prefix,
// sorted by name. The match is case-insensitive, like section lookup.
func (c *Config) PrefixSections(prefix string) []*Section {
	lp := strings.ToLower(prefix)
	var out []*Section
	for key, sec := range c.sections {
		if strings.HasPrefix(key, lp) {
			out = append(out, sec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
