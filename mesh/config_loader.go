package mesh

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultRadius is the activation radius used when neither the config file
// nor the command line sets one.
const DefaultRadius = 16.0

// DefaultConfig returns the configuration used when no config file exists
func DefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			PublishPrefix: "spawnmesh",
			ClientID:      "spawnmesh",
		},
		Clustering: ClusteringConfig{
			Options: Options{Radius: DefaultRadius, SortMode: SortNone},
		},
	}
}

// LoadConfig loads the unified configuration from a YAML file
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

	if err := ValidateOptions(&config.Clustering.Options); err != nil {
		return nil, fmt.Errorf("clustering: %w", err)
	}
	if config.Clustering.Budget < 0 {
		return nil, fmt.Errorf("clustering.budget must not be negative")
	}

	for i, hex := range config.Render.Palette {
		if len(hex) != 7 || hex[0] != '#' {
			return nil, fmt.Errorf("render.palette[%d] %q is not #RRGGBB", i, hex)
		}
	}

	seen := make(map[string]bool)
	for i, sc := range config.Sources {
		if sc.ID == "" {
			return nil, fmt.Errorf("sources[%d].id is required", i)
		}
		if sc.Topic == "" {
			return nil, fmt.Errorf("sources[%d].topic is required for %s", i, sc.ID)
		}
		if seen[sc.ID] {
			return nil, fmt.Errorf("sources[%d].id %q is duplicated", i, sc.ID)
		}
		seen[sc.ID] = true
	}

	return config, nil
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

// ParsePoint parses the "x,y,z" form used by --reference and query strings
func ParsePoint(s string) (Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Point{}, fmt.Errorf("point %q: want x,y,z", s)
	}
	var coords [3]int
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return Point{}, fmt.Errorf("point %q: %w", s, err)
		}
		coords[i] = v
	}
	return Point{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}
