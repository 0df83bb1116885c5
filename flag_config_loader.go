package corekit

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// flagFileDocument is the on-disk shape of a flag configuration file:
//
//	flags:
//	  new-dashboard:
//	    enabled: true
//	    rolloutPercentage: 25
//	    dependencies: [beta-program]
type flagFileDocument struct {
	Flags map[string]*FlagConfig `yaml:"flags" toml:"flags"`
}

// ParseFlagConfig parses flag configuration from raw YAML or TOML bytes.
// The format parameter is a file extension such as ".yaml" or ".toml".
func ParseFlagConfig(data []byte, format string) (map[string]*FlagConfig, error) {
	var doc flagFileDocument
	switch strings.ToLower(format) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFlagConfigParseFailed, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFlagConfigParseFailed, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrFlagConfigUnsupportedFormat, format)
	}
	if doc.Flags == nil {
		doc.Flags = make(map[string]*FlagConfig)
	}
	return doc.Flags, nil
}

// LoadFlagsFromFile reads a YAML or TOML flag configuration file. The
// format is inferred from the file extension.
func LoadFlagsFromFile(path string) (map[string]*FlagConfig, error) {
	if path == "" {
		return nil, ErrFlagConfigEmptyPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flag configuration %s: %w", path, err)
	}
	flags, err := ParseFlagConfig(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse flag configuration %s: %w", path, err)
	}
	return flags, nil
}

// ApplyFlagConfig merges a parsed flag set into the evaluator via
// UpdateFlag, in sorted name order for deterministic listener
// notification. Core flags in the document are skipped.
func ApplyFlagConfig(evaluator *FlagEvaluator, flags map[string]*FlagConfig) {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := flags[name]
		if cfg == nil {
			continue
		}
		update := FlagUpdate{
			Enabled:         &cfg.Enabled,
			RollbackOnError: &cfg.RollbackOnError,
			Description:     &cfg.Description,
		}
		if cfg.RolloutPercentage != nil {
			update.RolloutPercentage = cfg.RolloutPercentage
		}
		if cfg.UserSegments != nil {
			update.UserSegments = cfg.UserSegments
		}
		if cfg.StartDate != nil {
			update.StartDate = cfg.StartDate
		}
		if cfg.EndDate != nil {
			update.EndDate = cfg.EndDate
		}
		if cfg.Dependencies != nil {
			update.Dependencies = cfg.Dependencies
		}
		if err := evaluator.UpdateFlag(name, update); err != nil {
			evaluator.logger.Debug("Skipped flag from configuration", "flag", name, "error", err)
		}
	}
}

// FeedFlagsFromEnv applies environment overrides to already-known flags.
// Variables follow the pattern <prefix>_<FLAG>_<FIELD> with dashes in the
// flag name mapped to underscores, e.g. with prefix "FLAGS":
//
//	FLAGS_NEW_DASHBOARD_ENABLED=false
//	FLAGS_NEW_DASHBOARD_ROLLOUT=50
//
// Values are converted with the same string casting the configuration
// feeders use; malformed values are reported, valid ones still apply.
func FeedFlagsFromEnv(evaluator *FlagEvaluator, prefix string) error {
	if prefix == "" {
		prefix = "FLAGS"
	}

	var lastErr error
	for _, name := range evaluator.KnownFlags() {
		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))

		update := FlagUpdate{}
		changed := false

		if raw, ok := os.LookupEnv(prefix + "_" + envName + "_ENABLED"); ok {
			v, err := cast.FromType(raw, reflect.TypeOf(true))
			if err != nil {
				lastErr = fmt.Errorf("invalid enabled override for flag %s: %w", name, err)
				evaluator.logger.Warn("Ignoring malformed flag override", "flag", name, "value", raw, "error", err)
			} else {
				b := v.(bool)
				update.Enabled = &b
				changed = true
			}
		}

		if raw, ok := os.LookupEnv(prefix + "_" + envName + "_ROLLOUT"); ok {
			v, err := cast.FromType(raw, reflect.TypeOf(0))
			if err != nil {
				lastErr = fmt.Errorf("invalid rollout override for flag %s: %w", name, err)
				evaluator.logger.Warn("Ignoring malformed flag override", "flag", name, "value", raw, "error", err)
			} else {
				pct := v.(int)
				update.RolloutPercentage = &pct
				changed = true
			}
		}

		if !changed {
			continue
		}
		if err := evaluator.UpdateFlag(name, update); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
