package scanmatch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns a configuration with the default matcher budgets
// and a three-level 5cm pyramid fitted to its map source.
func DefaultConfig() *Config {
	return &Config{
		Matcher: DefaultMatcherConfig(),
		Map: MapConfig{
			Resolution: 0.05,
			Levels:     3,
		},
		MQTT: MQTTConfig{
			PublishPrefix: "gridmatch",
			ClientID:      "gridmatch",
		},
	}
}

// LoadConfig loads the configuration from a YAML file. Keys missing from
// the file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the fields every mode depends on.
func (c *Config) Validate() error {
	if c.Map.Resolution <= 0 {
		return fmt.Errorf("map.resolution %v: %w", c.Map.Resolution, ErrInvalidResolution)
	}
	if c.Map.Levels < 1 {
		return fmt.Errorf("map.levels must be at least 1, got %d", c.Map.Levels)
	}
	if (c.Map.SizeX > 0) != (c.Map.SizeY > 0) {
		return fmt.Errorf("map.sizeX and map.sizeY must be set together")
	}
	if c.Matcher.Iterations < 0 || c.Matcher.CoarseIterations < 0 {
		return fmt.Errorf("matcher iterations must not be negative")
	}
	if c.Matcher.AngleStepLimit < 0 {
		return fmt.Errorf("matcher.angleStepLimit must not be negative")
	}

	seen := make(map[string]bool, len(c.Robots))
	for i, rc := range c.Robots {
		if rc.ID == "" {
			return fmt.Errorf("robots[%d].id is required", i)
		}
		if seen[rc.ID] {
			return fmt.Errorf("robots[%d]: duplicate id %s", i, rc.ID)
		}
		seen[rc.ID] = true
		if c.MQTT.Broker != "" && rc.ScanTopic == "" {
			return fmt.Errorf("robots[%d].scanTopic is required for %s", i, rc.ID)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// MatcherOptions translates the step policy of a MatcherConfig into
// ScanMatcher options.
func (mc MatcherConfig) MatcherOptions() []MatcherOption {
	var opts []MatcherOption
	if mc.AngleStepLimit > 0 {
		opts = append(opts, WithAngleStepLimit(mc.AngleStepLimit))
	}
	if mc.ConvergenceThreshold > 0 {
		opts = append(opts, WithConvergenceThreshold(mc.ConvergenceThreshold))
	}
	return opts
}
