// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the daemon configuration file. Heater definitions live in
// the separate printer config; this file holds process level concerns.
type Settings struct {
	DeviceID      string `json:"device_id" yaml:"device_id"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	PrinterConfig string `json:"printer_config" yaml:"printer_config"`
	PidFile       string `json:"pid_file" yaml:"pid_file"`

	Status StatusSettings `json:"status" yaml:"status"`
	MQTT   MQTTSettings   `json:"mqtt" yaml:"mqtt"`
	Influx InfluxSettings `json:"influx" yaml:"influx"`
	Safety SafetySettings `json:"safety" yaml:"safety"`
}

type StatusSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MQTTSettings struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	BrokerURL       string   `json:"broker_url" yaml:"broker_url"`
	ClientID        string   `json:"client_id" yaml:"client_id"`
	BaseTopic       string   `json:"base_topic" yaml:"base_topic"`
	QoS             byte     `json:"qos" yaml:"qos"`
	RetainSnapshot  bool     `json:"retain_snapshot" yaml:"retain_snapshot"`
	PublishInterval Duration `json:"publish_interval" yaml:"publish_interval"`
	Username        string   `json:"username" yaml:"username"`
	Password        string   `json:"password" yaml:"password"`
}

type InfluxSettings struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	URL            string   `json:"url" yaml:"url"`
	Token          string   `json:"token" yaml:"token"`
	Org            string   `json:"org" yaml:"org"`
	Bucket         string   `json:"bucket" yaml:"bucket"`
	BatchSize      int      `json:"batch_size" yaml:"batch_size"`
	FlushInterval  int      `json:"flush_interval" yaml:"flush_interval"`
	RecordInterval Duration `json:"record_interval" yaml:"record_interval"`
}

type SafetySettings struct {
	// VerifyHeaters enables the per-heater progress watchdog. Defaults
	// to on.
	VerifyHeaters *bool `json:"verify_heaters" yaml:"verify_heaters"`
	// WatchdogTimeout guards the main loop; 0 disables it.
	WatchdogTimeout Duration `json:"watchdog_timeout" yaml:"watchdog_timeout"`
}

// Duration decodes from either a duration string ("30s") or a bare
// number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		return d.parse(raw)
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		return d.parse(raw)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d *Duration) parse(raw string) error {
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		secs, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		parsed = time.Duration(secs * float64(time.Second))
	}
	*d = Duration(parsed)
	return nil
}

// LoadSettings reads the settings file. A missing file or empty path
// yields defaults.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	if path == "" {
		applyDefaults(&s)
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(&s)
			return s, nil
		}
		return s, fmt.Errorf("read settings: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse json: %w", err)
		}
	default:
		return s, fmt.Errorf("unsupported settings extension %q", ext)
	}

	applyDefaults(&s)
	return s, nil
}

func applyDefaults(s *Settings) {
	if s.DeviceID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			s.DeviceID = host
		} else {
			s.DeviceID = "thermal-host"
		}
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.PrinterConfig == "" {
		s.PrinterConfig = "printer.cfg"
	}
	if s.Status.Addr == "" {
		s.Status.Addr = ":7125"
	}
	if s.MQTT.BrokerURL == "" {
		s.MQTT.BrokerURL = "tcp://localhost:1883"
	}
	if s.MQTT.PublishInterval <= 0 {
		s.MQTT.PublishInterval = Duration(time.Second)
	}
	if s.Influx.RecordInterval <= 0 {
		s.Influx.RecordInterval = Duration(time.Second)
	}
	if s.Safety.VerifyHeaters == nil {
		on := true
		s.Safety.VerifyHeaters = &on
	}
}
