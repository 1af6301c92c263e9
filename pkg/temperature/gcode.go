// Temperature command handling for the thermal host
//
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

import (
	"fmt"
	"strconv"
	"strings"

	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
)

// Command is one parsed command line. Parameters are KEY=VALUE pairs;
// M-code style single letter parameters (M104 S210) are folded into the
// same map under their letter.
type Command struct {
	Name   string
	params map[string]string
	raw    string
}

// ParseCommand splits a command line into its name and parameters.
func ParseCommand(line string) (*Command, error) {
	raw := strings.TrimSpace(line)
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, errors.CommandError("Empty command")
	}
	cmd := &Command{
		Name:   strings.ToUpper(fields[0]),
		params: make(map[string]string),
		raw:    raw,
	}
	isMCode := len(cmd.Name) > 1 &&
		(cmd.Name[0] == 'M' || cmd.Name[0] == 'G') &&
		cmd.Name[1] >= '0' && cmd.Name[1] <= '9'
	for _, field := range fields[1:] {
		if i := strings.IndexByte(field, '='); i >= 0 {
			cmd.params[strings.ToUpper(field[:i])] = field[i+1:]
		} else if isMCode && len(field) > 1 {
			cmd.params[strings.ToUpper(field[:1])] = field[1:]
		} else {
			return nil, errors.CommandError("Malformed command '%s'", raw)
		}
	}
	return cmd, nil
}

// Raw returns the original command line.
func (c *Command) Raw() string {
	return c.raw
}

// Has reports whether a parameter is present.
func (c *Command) Has(key string) bool {
	_, ok := c.params[key]
	return ok
}

// Get returns a required string parameter.
func (c *Command) Get(key string) (string, error) {
	v, ok := c.params[key]
	if !ok {
		return "", errors.CommandError("Error on '%s': missing %s", c.raw, key)
	}
	return v, nil
}

// Str returns a string parameter or the given default.
func (c *Command) Str(key, def string) string {
	if v, ok := c.params[key]; ok {
		return v
	}
	return def
}

// Float returns a required float parameter.
func (c *Command) Float(key string) (float64, error) {
	v, ok, err := c.FloatOpt(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.CommandError("Error on '%s': missing %s", c.raw, key)
	}
	return v, nil
}

// FloatDef returns a float parameter or the given default.
func (c *Command) FloatDef(key string, def float64) (float64, error) {
	v, ok, err := c.FloatOpt(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// FloatOpt returns a float parameter and whether it was present.
func (c *Command) FloatOpt(key string) (float64, bool, error) {
	raw, ok := c.params[key]
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, true, errors.CommandError(
			"Error on '%s': unable to parse %s", c.raw, raw)
	}
	return v, true, nil
}

// Flag returns a 0/1 parameter as a bool, or the given default.
func (c *Command) Flag(key string, def bool) (bool, error) {
	raw, ok := c.params[key]
	if !ok {
		return def, nil
	}
	switch raw {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, errors.CommandError(
		"Error on '%s': %s must be 0 or 1", c.raw, key)
}

// Dispatcher routes temperature commands to the registry, heaters and
// profile managers.
type Dispatcher struct {
	reg *Registry
	log *log.Logger

	// M-code aliases resolve to these heater names.
	extruderHeater string
	bedHeater      string
}

// NewDispatcher builds a dispatcher. extruderHeater and bedHeater name
// the heaters the M104/M109 and M140/M190 aliases resolve to.
func NewDispatcher(reg *Registry, extruderHeater, bedHeater string,
	logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		reg:            reg,
		log:            logger,
		extruderHeater: extruderHeater,
		bedHeater:      bedHeater,
	}
}

// Execute parses and runs one command line, writing human readable
// output through respond. Commands run one at a time per dispatcher.
func (d *Dispatcher) Execute(line string, respond func(string)) error {
	cmd, err := ParseCommand(line)
	if err != nil {
		return err
	}
	d.log.Debugf("command: %s", cmd.Raw())
	switch cmd.Name {
	case "SET_HEATER_TEMPERATURE":
		return d.cmdSetHeaterTemperature(cmd, respond)
	case "SET_SMOOTH_TIME":
		return d.cmdSetSmoothTime(cmd, respond)
	case "PID_PROFILE":
		return d.cmdPidProfile(cmd, respond)
	case "TURN_OFF_HEATERS":
		d.reg.TurnOffAllHeaters()
		return nil
	case "TEMPERATURE_WAIT":
		return d.cmdTemperatureWait(cmd, respond)
	case "M105":
		respond(d.reg.Report(d.reg.reactor.Monotonic()))
		return nil
	case "M302":
		return d.cmdColdExtrude(cmd, "P", "S", d.extruderHeater, respond)
	case "COLD_EXTRUDE":
		return d.cmdColdExtrude(cmd, "ENABLE", "MIN_EXTRUDE_TEMP",
			cmd.Str("HEATER", d.extruderHeater), respond)
	case "M104":
		return d.cmdMCodeTemp(cmd, d.extruderHeater, false, respond)
	case "M109":
		return d.cmdMCodeTemp(cmd, d.extruderHeater, true, respond)
	case "M140":
		return d.cmdMCodeTemp(cmd, d.bedHeater, false, respond)
	case "M190":
		return d.cmdMCodeTemp(cmd, d.bedHeater, true, respond)
	}
	return errors.CommandError("Unknown command: '%s'", cmd.Name)
}

func (d *Dispatcher) lookupHeaterParam(cmd *Command) (*Heater, error) {
	name, err := cmd.Get("HEATER")
	if err != nil {
		return nil, err
	}
	return d.reg.LookupHeater(name)
}

func (d *Dispatcher) cmdSetHeaterTemperature(cmd *Command, respond func(string)) error {
	heater, err := d.lookupHeaterParam(cmd)
	if err != nil {
		return err
	}
	temp, err := cmd.FloatDef("TARGET", 0)
	if err != nil {
		return err
	}
	wait, err := cmd.Flag("WAIT", false)
	if err != nil {
		return err
	}
	return d.reg.SetTemperature(heater, temp, wait, respond)
}

func (d *Dispatcher) cmdSetSmoothTime(cmd *Command, respond func(string)) error {
	heater, err := d.lookupHeaterParam(cmd)
	if err != nil {
		return err
	}
	saveToProfile, err := cmd.Flag("SAVE_TO_PROFILE", false)
	if err != nil {
		return err
	}
	smoothTime, err := cmd.FloatDef("SMOOTH_TIME", heater.ConfigSmoothTime())
	if err != nil {
		return err
	}
	if err := heater.SetSmoothTime(smoothTime); err != nil {
		return err
	}
	if saveToProfile {
		heater.Control().Profile().SmoothTime = &smoothTime
		return heater.ProfileManager().SaveProfile("", respond)
	}
	return nil
}

func (d *Dispatcher) cmdPidProfile(cmd *Command, respond func(string)) error {
	heater, err := d.lookupHeaterParam(cmd)
	if err != nil {
		return err
	}
	pmgr := heater.ProfileManager()
	for _, op := range []string{"LOAD", "SAVE", "GET_VALUES", "SET_VALUES", "REMOVE"} {
		if !cmd.Has(op) {
			continue
		}
		profileName, _ := cmd.Get(op)
		if strings.TrimSpace(profileName) == "" {
			return errors.CommandError("pid_profile: Profile must be specified")
		}
		switch op {
		case "LOAD":
			loadClean, err := cmd.Flag("LOAD_CLEAN", false)
			if err != nil {
				return err
			}
			keepTarget, err := cmd.Flag("KEEP_TARGET", false)
			if err != nil {
				return err
			}
			return pmgr.LoadProfile(profileName, cmd.Str("DEFAULT", ""),
				loadClean, keepTarget, respond)
		case "SAVE":
			return pmgr.SaveProfile(profileName, respond)
		case "GET_VALUES":
			pmgr.GetValues(respond)
			return nil
		case "SET_VALUES":
			return pmgr.SetValues(profileName, cmd, respond)
		case "REMOVE":
			return pmgr.RemoveProfile(profileName, respond)
		}
	}
	return errors.CommandError("pid_profile: Invalid syntax '%s'", cmd.Raw())
}

// cmdColdExtrude handles M302 and its long form. With no parameters it
// reports the gate state; otherwise it updates the override and,
// optionally, persists a new extrude threshold.
func (d *Dispatcher) cmdColdExtrude(cmd *Command, enableKey, tempKey,
	heaterName string, respond func(string)) error {
	heater, err := d.reg.LookupHeater(heaterName)
	if err != nil {
		return err
	}
	if !cmd.Has(enableKey) && !cmd.Has(tempKey) {
		state := "disabled"
		if heater.ColdExtrude() {
			state = "enabled"
		}
		respond(fmt.Sprintf("Cold extrudes are %s (min temp %.2fC)",
			state, heater.MinExtrudeTemp()))
		return nil
	}
	if cmd.Has(enableKey) {
		enable, err := cmd.Flag(enableKey, false)
		if err != nil {
			return err
		}
		heater.SetColdExtrude(enable)
	}
	if cmd.Has(tempKey) {
		degrees, err := cmd.Float(tempKey)
		if err != nil {
			return err
		}
		if err := heater.SetMinExtrudeTemp(degrees); err != nil {
			return err
		}
		d.reg.store.SetOption(heater.Name(), "min_extrude_temp",
			fmt.Sprintf("%.2f", degrees))
		if err := d.reg.store.Save(d.reg.store.Path()); err != nil {
			return err
		}
		respond(fmt.Sprintf("min_extrude_temp has been set to %.2fC for [%s].",
			degrees, heater.Name()))
	}
	return nil
}

func (d *Dispatcher) cmdTemperatureWait(cmd *Command, respond func(string)) error {
	sensorName, err := cmd.Get("SENSOR")
	if err != nil {
		return err
	}
	sensor, err := d.reg.LookupSensor(sensorName)
	if err != nil {
		return err
	}
	if !cmd.Has("MINIMUM") && !cmd.Has("MAXIMUM") {
		return errors.CommandError(
			"Error on '%s': missing MINIMUM or MAXIMUM", cmd.Raw())
	}
	minTemp, err := cmd.FloatDef("MINIMUM", KelvinToCelsius)
	if err != nil {
		return err
	}
	maxTemp, err := cmd.FloatDef("MAXIMUM", 99999999.9)
	if err != nil {
		return err
	}
	d.reg.TemperatureWait(sensor, minTemp, maxTemp, respond)
	return nil
}

func (d *Dispatcher) cmdMCodeTemp(cmd *Command, heaterName string, wait bool,
	respond func(string)) error {
	temp, err := cmd.FloatDef("S", 0)
	if err != nil {
		return err
	}
	heater, err := d.reg.LookupHeater(heaterName)
	if err != nil {
		// M104/M140 with no target are accepted on hosts without
		// the aliased heater.
		if temp == 0 && !wait {
			return nil
		}
		return err
	}
	return d.reg.SetTemperature(heater, temp, wait, respond)
}
