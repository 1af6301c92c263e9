// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// thermald is the thermal regulation daemon of the printer host. It
// loads heater definitions from a printer config, regulates them over
// simulated or GPIO outputs, and exposes the command surface over
// stdin, WebSocket and MQTT.
//
// Usage:
//
//	thermald -settings settings.yaml [options]
//
// Options:
//
//	-settings string  Daemon settings file (yaml or json)
//	-config string    Printer configuration file (overrides settings)
//	-loglevel string  Log level (overrides settings)
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"thermal-host/pkg/config"
	"thermal-host/pkg/log"
	"thermal-host/pkg/output"
	"thermal-host/pkg/reactor"
	"thermal-host/pkg/safety"
	"thermal-host/pkg/sim"
	"thermal-host/pkg/status"
	"thermal-host/pkg/telemetry"
	"thermal-host/pkg/temperature"
)

func main() {
	os.Exit(realMain())
}

// realMain exists so deferred cleanup (pid file release) runs before
// the process exits.
func realMain() int {
	settingsFile := flag.String("settings", "", "Daemon settings file (yaml or json)")
	configFile := flag.String("config", "", "Printer configuration file (overrides settings)")
	logLevel := flag.String("loglevel", "", "Log level (overrides settings)")
	flag.Parse()

	settings, err := LoadSettings(*settingsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading settings: %v\n", err)
		return 1
	}
	if *configFile != "" {
		settings.PrinterConfig = *configFile
	}
	if *logLevel != "" {
		settings.LogLevel = *logLevel
	}

	logger := log.New("thermald")
	logger.SetLevel(log.ParseLevel(settings.LogLevel))

	if settings.PidFile != "" {
		release, err := acquirePidFile(settings.PidFile)
		if err != nil {
			logger.Errorf("%v", err)
			return 1
		}
		defer release()
	}

	if err := run(settings, logger); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func run(settings Settings, logger *log.Logger) error {
	store, err := config.LoadAutosave(settings.PrinterConfig)
	if err != nil {
		return fmt.Errorf("load printer config: %w", err)
	}

	r := reactor.New()
	manager := safety.New(logger)
	registry := temperature.NewRegistry(r, manager, store, logger)

	host := newHeaterHost(r, registry, manager, store, settings, logger)
	if err := host.setupHeaters(); err != nil {
		return err
	}

	dispatcher := temperature.NewDispatcher(registry, "extruder", "heater_bed", logger)
	adapter := status.NewHostAdapter(r, registry, dispatcher, manager)

	// Shutting down turns every heater off; the safety manager has
	// already latched them.
	manager.OnShutdown(func(reason safety.Reason, msg string) {
		logger.Errorf("host shutdown (%s): %s", reason, msg)
	})

	if settings.Safety.WatchdogTimeout > 0 {
		manager.SetWatchdogTimeout(time.Duration(settings.Safety.WatchdogTimeout))
		manager.StartWatchdog()
		defer manager.StopWatchdog()
		watchdogTimer := r.RegisterTimer(func(eventtime float64) float64 {
			manager.Heartbeat()
			return eventtime + 1.0
		}, reactor.NOW)
		defer r.UnregisterTimer(watchdogTimer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if settings.Status.Enabled {
		server := status.New(status.Config{
			Addr: settings.Status.Addr,
			Host: adapter,
		}, logger)
		go func() {
			if err := server.Start(); err != nil && err != http.ErrServerClosed {
				logger.Warnf("status server stopped: %v", err)
			}
		}()
		defer server.Stop()
	}

	source := &heaterSource{reactor: r, registry: registry}
	if settings.MQTT.Enabled {
		publisher, err := telemetry.NewMQTTPublisher(source, host.setTarget,
			telemetry.MQTTConfig{
				DeviceID:        settings.DeviceID,
				BrokerURL:       settings.MQTT.BrokerURL,
				ClientID:        settings.MQTT.ClientID,
				BaseTopic:       settings.MQTT.BaseTopic,
				QoS:             settings.MQTT.QoS,
				RetainSnapshot:  settings.MQTT.RetainSnapshot,
				PublishInterval: time.Duration(settings.MQTT.PublishInterval),
				Username:        settings.MQTT.Username,
				Password:        settings.MQTT.Password,
			}, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := publisher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warnf("mqtt publisher stopped: %v", err)
			}
		}()
	}

	if settings.Influx.Enabled {
		recorder, err := telemetry.ConnectInflux(telemetry.InfluxConfig{
			Enabled:        true,
			URL:            settings.Influx.URL,
			Token:          settings.Influx.Token,
			Org:            settings.Influx.Org,
			Bucket:         settings.Influx.Bucket,
			BatchSize:      settings.Influx.BatchSize,
			FlushInterval:  settings.Influx.FlushInterval,
			RecordInterval: time.Duration(settings.Influx.RecordInterval),
		}, logger)
		if err != nil {
			logger.Warnf("influx disabled: %v", err)
		} else {
			go recorder.Run(ctx, source)
		}
	}

	// Signals stop the reactor; the deferred cleanup runs after Wait.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("received %v, shutting down", sig)
		registry.TurnOffAllHeaters()
		cancel()
		r.End()
	}()

	r.Run()
	logger.Infof("thermald ready; heaters: %s",
		strings.Join(registry.AvailableHeaters(), ", "))

	go console(dispatcher, registry, manager, logger, r)

	r.Wait()
	registry.TurnOffAllHeaters()
	return nil
}

// console reads command lines from stdin until EOF.
func console(dispatcher *temperature.Dispatcher, registry *temperature.Registry,
	manager *safety.Manager, logger *log.Logger, r *reactor.Reactor) {
	scanner := bufio.NewScanner(os.Stdin)
	respond := func(msg string) { fmt.Println(msg) }

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch strings.ToUpper(line) {
		case "QUIT", "EXIT":
			registry.TurnOffAllHeaters()
			r.End()
			return
		case "M112":
			manager.EmergencyStop("M112")
			continue
		case "STATS":
			_, stats := registry.Stats(r.Monotonic())
			respond(stats)
			continue
		}
		if err := dispatcher.Execute(line, respond); err != nil {
			respond("!! " + err.Error())
		}
	}
}

// heaterHost builds heaters with their simulated or GPIO outputs.
type heaterHost struct {
	reactor  *reactor.Reactor
	registry *temperature.Registry
	manager  *safety.Manager
	store    *config.Autosave
	settings Settings
	log      *log.Logger

	// plants by heater section name, shared between the simulated
	// sensor and output of a heater.
	plants map[string]*sim.Plant
}

func newHeaterHost(r *reactor.Reactor, registry *temperature.Registry,
	manager *safety.Manager, store *config.Autosave, settings Settings,
	logger *log.Logger) *heaterHost {
	h := &heaterHost{
		reactor:  r,
		registry: registry,
		manager:  manager,
		store:    store,
		settings: settings,
		log:      logger,
		plants:   make(map[string]*sim.Plant),
	}
	registry.RegisterSensorFactory("simulated", h.makeSensor)
	return h
}

// setupHeaters walks the heater sections of the printer config.
func (h *heaterHost) setupHeaters() error {
	for _, name := range h.store.SectionNames() {
		var gcodeID string
		switch {
		case name == "extruder":
			gcodeID = "T0"
		case name == "heater_bed":
			gcodeID = "B"
		case strings.HasPrefix(name, "heater_generic "):
			gcodeID = ""
		default:
			continue
		}
		sec, err := h.store.GetSection(name)
		if err != nil {
			return err
		}
		if err := h.setupHeater(sec, gcodeID); err != nil {
			return err
		}
	}
	if len(h.registry.AvailableHeaters()) == 0 {
		return fmt.Errorf("no heater sections in %s", h.settings.PrinterConfig)
	}
	return nil
}

func (h *heaterHost) setupHeater(sec *config.Section, gcodeID string) error {
	plantOpts, err := sim.PlantOptionsFromSection(sec)
	if err != nil {
		return err
	}
	plant := sim.NewPlant(plantOpts)
	h.plants[sec.Name()] = plant

	pwm, err := h.makeOutput(sec, plant)
	if err != nil {
		return err
	}

	heater, err := h.registry.SetupHeater(h.store.Config, sec, pwm, gcodeID)
	if err != nil {
		return err
	}
	h.manager.RegisterHeater(heater)

	if *h.settings.Safety.VerifyHeaters {
		maxTemp, err := sec.GetFloat("max_temp")
		if err != nil {
			return err
		}
		safety.NewVerifier(h.reactor, h.manager, heater, safety.VerifierOptions{
			MaxTemp: maxTemp + 5.0,
		}, h.log)
	}
	return nil
}

// makeOutput selects the GPIO backend when the section names a line,
// falling back to the simulated plant.
func (h *heaterHost) makeOutput(sec *config.Section,
	plant *sim.Plant) (temperature.PWMOutput, error) {
	lineName, err := sec.Get("gpio_line", "")
	if err != nil {
		return nil, err
	}
	if lineName == "" {
		out := sim.NewOutput(h.reactor, plant, sec.Name(), h.log)
		out.SetupFault(func(msg string) {
			h.manager.OutputFault(sec.Name(), msg)
		})
		return out, nil
	}

	driver, err := output.OpenLine(lineName, "thermald")
	if err != nil {
		return nil, err
	}
	gpio := output.NewGPIO(h.reactor, driver, sec.Name(), h.log)
	gpio.SetupFault(func(msg string) {
		h.manager.OutputFault(sec.Name(), msg)
	})
	return gpio, nil
}

// makeSensor is the "simulated" sensor factory; it samples the plant
// created for the heater's section.
func (h *heaterHost) makeSensor(sec *config.Section) (temperature.Sensor, error) {
	plant, ok := h.plants[sec.Name()]
	if !ok {
		plant = sim.NewPlant(sim.PlantOptions{AmbientTemp: 25, HeaterGain: 2.0})
		h.plants[sec.Name()] = plant
	}
	sensor := sim.NewSensor(h.reactor, plant, sec.Name(), sec, h.log)
	sensor.SetupFault(func(msg string) {
		h.manager.OutputFault(sec.Name(), msg)
	})
	return sensor, nil
}

// setTarget applies an MQTT setpoint command.
func (h *heaterHost) setTarget(heaterName string, target float64) error {
	heater, err := h.registry.LookupHeater(heaterName)
	if err != nil {
		return err
	}
	return h.registry.SetTemperature(heater, target, false, nil)
}

// heaterSource adapts the registry to the telemetry source contract.
type heaterSource struct {
	reactor  *reactor.Reactor
	registry *temperature.Registry
}

func (s *heaterSource) Snapshots() []telemetry.HeaterSnapshot {
	eventtime := s.reactor.Monotonic()
	names := s.registry.AvailableHeaters()
	snaps := make([]telemetry.HeaterSnapshot, 0, len(names))
	for _, name := range names {
		heater, err := s.registry.LookupHeater(name)
		if err != nil {
			continue
		}
		status := heater.Status(eventtime)
		snap := telemetry.HeaterSnapshot{Name: name}
		if v, ok := status["temperature"].(float64); ok {
			snap.Temperature = v
		}
		if v, ok := status["target"].(float64); ok {
			snap.Target = v
		}
		if v, ok := status["power"].(float64); ok {
			snap.Power = v
		}
		if v, ok := status["pid_profile"].(string); ok {
			snap.Profile = v
		}
		snaps = append(snaps, snap)
	}
	return snaps
}
