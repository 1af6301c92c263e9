// Versioned PID profile storage for the thermal host
//
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

import (
	"fmt"
	"strings"

	"thermal-host/pkg/config"
	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
)

// ProfileVersion is the storage format version. Profiles stored with a
// different version are reported but refuse to load.
const ProfileVersion = 1

// DefaultProfileName is the profile read from the heater's own config
// section. It always exists and cannot be removed.
const DefaultProfileName = "default"

// Profile is one stored tuning for a heater control algorithm. Target,
// Tolerance and SmoothTime are optional; a nil SmoothTime inherits the
// heater's configured smoothing window.
type Profile struct {
	Name       string
	Kind       ControlKind
	Target     *float64
	Tolerance  *float64
	SmoothTime *float64
	Kp         float64
	Ki         float64
	Kd         float64
	MaxDelta   float64
}

// NewControl instantiates the control algorithm a profile names.
func NewControl(profile *Profile, heater *Heater, loadClean bool) (Control, error) {
	switch profile.Kind {
	case KindWatermark:
		return NewControlBangBang(profile, heater), nil
	case KindPID:
		return NewControlPID(profile, heater, loadClean), nil
	case KindVelocityPID:
		return NewControlVelocityPID(profile, heater, loadClean), nil
	}
	return nil, errors.ConfigError(heater.Name(),
		"Unknown control type '%s'", profile.Kind)
}

// ProfileManager stores and recalls tunings for one heater. The default
// profile lives in the heater's own config section; named profiles live
// in "pid_profile <heater> <name>" sections of the persistence store.
// All methods run on the command path, which is serialized by the
// registry, so no extra locking is carried here.
type ProfileManager struct {
	heater *Heater
	store  *config.Autosave
	log    *log.Logger

	profiles     map[string]*Profile
	incompatible map[string]int
}

// NewProfileManager scans cfg for stored profiles belonging to the
// heater and installs the bootstrap control built from the heater's own
// section.
func NewProfileManager(heater *Heater, heaterSec *config.Section,
	cfg *config.Config, store *config.Autosave, logger *log.Logger) (*ProfileManager, error) {
	pm := &ProfileManager{
		heater:       heater,
		store:        store,
		log:          logger,
		profiles:     make(map[string]*Profile),
		incompatible: make(map[string]int),
	}
	prefix := "pid_profile " + heater.Name() + " "
	for _, sec := range cfg.PrefixSections(prefix) {
		name := strings.SplitN(sec.Name(), " ", 3)[2]
		if _, err := pm.initProfile(sec, name); err != nil {
			return nil, err
		}
	}
	defProfile, err := pm.initProfile(heaterSec, DefaultProfileName)
	if err != nil {
		return nil, err
	}
	if defProfile == nil {
		return nil, errors.ConfigError(heaterSec.Name(),
			"default profile is not compatible with profile version %d",
			ProfileVersion)
	}
	control, err := NewControl(defProfile, heater, true)
	if err != nil {
		return nil, err
	}
	heater.SetControl(control, true)
	heater.setProfileManager(pm)
	return pm, nil
}

// initProfile parses one profile section. A version mismatch records the
// profile as incompatible and returns nil without error.
func (pm *ProfileManager) initProfile(sec *config.Section, name string) (*Profile, error) {
	version, err := sec.GetInt("pid_version", ProfileVersion)
	if err != nil {
		return nil, err
	}
	if version != ProfileVersion {
		pm.log.Infof("heater %s: profile [%s] stored with version %d, "+
			"current version is %d; profile will not load",
			pm.heater.Name(), name, version, ProfileVersion)
		pm.incompatible[name] = version
		return nil, nil
	}
	control, err := sec.Get("control")
	if err != nil {
		return nil, err
	}
	profile := &Profile{Name: name, Kind: ControlKind(control)}
	switch profile.Kind {
	case KindWatermark:
		if profile.MaxDelta, err = sec.GetFloat("max_delta", 2.0); err != nil {
			return nil, err
		}
		if profile.MaxDelta <= 0 {
			return nil, errors.ConfigError(sec.Name(),
				"max_delta must be above 0").SetOption("max_delta")
		}
	case KindPID, KindVelocityPID:
		if profile.Target, err = sec.GetFloatOrNil("pid_target"); err != nil {
			return nil, err
		}
		if profile.Tolerance, err = sec.GetFloatOrNil("pid_tolerance"); err != nil {
			return nil, err
		}
		if profile.SmoothTime, err = sec.GetFloatOrNil("smooth_time"); err != nil {
			return nil, err
		}
		if profile.SmoothTime != nil && *profile.SmoothTime <= 0 {
			return nil, errors.ConfigError(sec.Name(),
				"smooth_time must be above 0").SetOption("smooth_time")
		}
		if profile.Kp, err = sec.GetFloat("pid_kp"); err != nil {
			return nil, err
		}
		if profile.Ki, err = sec.GetFloat("pid_ki"); err != nil {
			return nil, err
		}
		if profile.Kd, err = sec.GetFloat("pid_kd"); err != nil {
			return nil, err
		}
		if name == DefaultProfileName {
			// The default always tracks the heater's configured window.
			profile.SmoothTime = nil
		}
	default:
		return nil, errors.ConfigError(sec.Name(),
			"Unknown control type '%s' in [%s]", control, sec.Name())
	}
	pm.profiles[name] = profile
	return profile, nil
}

// sectionName maps a profile name to its storage section.
func (pm *ProfileManager) sectionName(profileName string) string {
	if profileName == DefaultProfileName {
		return pm.heater.Name()
	}
	return "pid_profile " + pm.heater.Name() + " " + profileName
}

// Profiles returns the names of all loadable profiles.
func (pm *ProfileManager) Profiles() []string {
	names := make([]string, 0, len(pm.profiles))
	for name := range pm.profiles {
		names = append(names, name)
	}
	return names
}

// IncompatibleProfiles returns the names of stored profiles whose
// version does not match this host.
func (pm *ProfileManager) IncompatibleProfiles() []string {
	names := make([]string, 0, len(pm.incompatible))
	for name := range pm.incompatible {
		names = append(names, name)
	}
	return names
}

// Get returns a loadable profile by name.
func (pm *ProfileManager) Get(name string) (*Profile, bool) {
	p, ok := pm.profiles[name]
	return p, ok
}

// LoadProfile activates a stored profile. When the named profile is
// missing and defaultName is non-empty, that profile is activated
// instead. Version-mismatched profiles refuse to load.
func (pm *ProfileManager) LoadProfile(profileName, defaultName string,
	loadClean, keepTarget bool, respond func(string)) error {
	active := pm.heater.Control().Profile()
	if profileName == active.Name && !loadClean {
		respond(fmt.Sprintf("PID Profile [%s] already loaded for heater [%s].",
			profileName, pm.heater.Name()))
		return nil
	}
	if version, ok := pm.incompatible[profileName]; ok {
		return errors.IncompatibleProfile(profileName, version, ProfileVersion)
	}
	profile, ok := pm.profiles[profileName]
	defaulted := false
	if !ok {
		if defaultName == "" {
			return errors.CommandError(
				"pid_profile: Unknown profile [%s] for heater [%s].",
				profileName, pm.heater.Name())
		}
		if profile, ok = pm.profiles[defaultName]; !ok {
			return errors.CommandError(
				"pid_profile: Unknown default profile [%s] for heater [%s].",
				defaultName, pm.heater.Name())
		}
		defaulted = true
	}
	control, err := NewControl(profile, pm.heater, loadClean)
	if err != nil {
		return err
	}
	pm.heater.SetControl(control, keepTarget)
	if defaulted {
		respond(fmt.Sprintf(
			"Couldn't find profile [%s] for heater [%s], defaulted to [%s].",
			profileName, pm.heater.Name(), defaultName))
	}
	respond(fmt.Sprintf("PID Profile [%s] loaded for heater [%s].",
		profile.Name, pm.heater.Name()))
	return nil
}

// SaveProfile stores the active profile under profileName and persists
// it immediately. An empty profileName re-saves under the active name.
func (pm *ProfileManager) SaveProfile(profileName string, respond func(string)) error {
	profile := pm.heater.Control().Profile()
	if profileName == "" {
		profileName = profile.Name
	}
	section := pm.sectionName(profileName)
	pm.store.SetOption(section, "pid_version", fmt.Sprintf("%d", ProfileVersion))
	pm.store.SetOption(section, "control", string(profile.Kind))
	if profile.Kind == KindWatermark {
		pm.store.SetOption(section, "max_delta",
			fmt.Sprintf("%.4f", profile.MaxDelta))
	} else {
		if profile.Target != nil {
			pm.store.SetOption(section, "pid_target",
				fmt.Sprintf("%.2f", *profile.Target))
		}
		if profile.Tolerance != nil {
			pm.store.SetOption(section, "pid_tolerance",
				fmt.Sprintf("%.4f", *profile.Tolerance))
		}
		if profile.SmoothTime != nil {
			pm.store.SetOption(section, "smooth_time",
				fmt.Sprintf("%.3f", *profile.SmoothTime))
		}
		pm.store.SetOption(section, "pid_kp", fmt.Sprintf("%.3f", profile.Kp))
		pm.store.SetOption(section, "pid_ki", fmt.Sprintf("%.3f", profile.Ki))
		pm.store.SetOption(section, "pid_kd", fmt.Sprintf("%.3f", profile.Kd))
	}
	// Store a copy: the active control's record is read concurrently by
	// status reporting and must not be renamed in place.
	saved := *profile
	saved.Name = profileName
	pm.profiles[profileName] = &saved
	if err := pm.store.Save(pm.store.Path()); err != nil {
		return err
	}
	respond(fmt.Sprintf(
		"Current PID profile for heater [%s] has been saved to profile [%s].",
		pm.heater.Name(), profileName))
	return nil
}

// GetValues reports the active profile's parameters.
func (pm *ProfileManager) GetValues(respond func(string)) {
	profile := pm.heater.Control().Profile()
	if profile.Kind == KindWatermark {
		respond(fmt.Sprintf(
			"Control: %s\nMax Delta: %.4f\nname: %s",
			profile.Kind, profile.MaxDelta, profile.Name))
		return
	}
	smoothTime := pm.heater.SmoothTime()
	if profile.SmoothTime != nil {
		smoothTime = *profile.SmoothTime
	}
	target, tolerance := 0.0, 0.0
	if profile.Target != nil {
		target = *profile.Target
	}
	if profile.Tolerance != nil {
		tolerance = *profile.Tolerance
	}
	respond(fmt.Sprintf(
		"PID Parameters:\n"+
			"Target: %.2f,\n"+
			"Tolerance: %.4f\n"+
			"Control: %s\n"+
			"Smooth Time: %.3f\n"+
			"pid_Kp=%.3f pid_Ki=%.3f pid_Kd=%.3f\n"+
			"name: %s",
		target, tolerance, profile.Kind, smoothTime,
		profile.Kp, profile.Ki, profile.Kd, profile.Name))
}

// SetValues installs a fully specified PID profile as the active
// control and saves it under profileName.
func (pm *ProfileManager) SetValues(profileName string, cmd *Command,
	respond func(string)) error {
	current := pm.heater.Control().Profile()

	var missing []string
	needFloat := func(key string) float64 {
		v, ok, err := cmd.FloatOpt(key)
		if err != nil || !ok {
			missing = append(missing, key)
			return 0
		}
		return v
	}
	target := needFloat("TARGET")
	kp := needFloat("KP")
	ki := needFloat("KI")
	kd := needFloat("KD")
	if len(missing) > 0 {
		return errors.CommandError("pid_profile: '%s' has to be specified.",
			strings.Join(missing, "', '"))
	}

	tolerance, ok, err := cmd.FloatOpt("TOLERANCE")
	if err != nil {
		return err
	}
	if !ok {
		if current.Tolerance == nil {
			return errors.CommandError(
				"pid_profile: 'TOLERANCE' has to be specified.")
		}
		tolerance = *current.Tolerance
	}
	control := strings.ToLower(cmd.Str("CONTROL", string(current.Kind)))
	if control != string(KindPID) && control != string(KindVelocityPID) {
		return errors.CommandError(
			"pid_profile: CONTROL must be '%s' or '%s'.",
			KindPID, KindVelocityPID)
	}
	var smoothTime *float64
	if st, ok, err := cmd.FloatOpt("SMOOTH_TIME"); err != nil {
		return err
	} else if ok {
		if st <= 0 {
			return errors.CommandError("SMOOTH_TIME must be above 0")
		}
		smoothTime = &st
	}
	keepTarget, err := cmd.Flag("KEEP_TARGET", false)
	if err != nil {
		return err
	}
	loadClean, err := cmd.Flag("LOAD_CLEAN", false)
	if err != nil {
		return err
	}

	profile := &Profile{
		Name:       profileName,
		Kind:       ControlKind(control),
		Target:     &target,
		Tolerance:  &tolerance,
		SmoothTime: smoothTime,
		Kp:         kp,
		Ki:         ki,
		Kd:         kd,
	}
	ctrl, err := NewControl(profile, pm.heater, loadClean)
	if err != nil {
		return err
	}
	pm.heater.SetControl(ctrl, keepTarget)
	msg := fmt.Sprintf("PID Parameters:\n"+
		"Target: %.2f,\n"+
		"Tolerance: %.4f\n"+
		"Control: %s\n", target, tolerance, control)
	if smoothTime != nil {
		msg += fmt.Sprintf("Smooth Time: %.3f\n", *smoothTime)
	}
	msg += fmt.Sprintf("pid_Kp=%.3f pid_Ki=%.3f pid_Kd=%.3f\n"+
		"have been set as current profile.", kp, ki, kd)
	respond(msg)
	return pm.SaveProfile(profileName, respond)
}

// RemoveProfile deletes a named profile from storage. The default
// profile cannot be removed.
func (pm *ProfileManager) RemoveProfile(profileName string, respond func(string)) error {
	if profileName == DefaultProfileName {
		return errors.CommandError(
			"pid_profile: Profile [%s] cannot be removed.", profileName)
	}
	if _, ok := pm.profiles[profileName]; !ok {
		if _, ok := pm.incompatible[profileName]; !ok {
			respond(fmt.Sprintf("No profile named [%s] to remove", profileName))
			return nil
		}
		delete(pm.incompatible, profileName)
	}
	pm.store.RemoveSection(pm.sectionName(profileName))
	delete(pm.profiles, profileName)
	if err := pm.store.Save(pm.store.Path()); err != nil {
		return err
	}
	respond(fmt.Sprintf("Profile [%s] for heater [%s] removed from storage.",
		profileName, pm.heater.Name()))
	return nil
}
