package mesh

import (
	"fmt"
	"strings"
	"time"
)

// Point is a position on the integer block lattice
type Point struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
	Z int `yaml:"z" json:"z"`
}

// String formats the point as "x,y,z", the same form used in canonical keys
func (p Point) String() string {
	return fmt.Sprintf("%d,%d,%d", p.X, p.Y, p.Z)
}

// Less orders points by x, then y, then z
func (p Point) Less(o Point) bool {
	if p.X != o.X {
		return p.X < o.X
	}
	if p.Y != o.Y {
		return p.Y < o.Y
	}
	return p.Z < o.Z
}

// Entity is a single scanned thing on the lattice. Two entities at the same
// position are the same entity.
type Entity struct {
	Pos Point  `json:"pos"`
	Tag string `json:"tag,omitempty"` // what spawns here, e.g. "zombie"
}

// Cluster is a group of linked entities and the lattice points that lie
// inside every member's activation sphere.
type Cluster struct {
	ID      int      `json:"id"`
	Members []Entity `json:"members"`
	Volume  []Point  `json:"volume"`
}

// Size returns the number of members
func (c Cluster) Size() int {
	return len(c.Members)
}

// Key returns the canonical member-set key of the cluster
func (c Cluster) Key() string {
	return canonicalKey(c.Members)
}

// SortMode selects how the final cluster list is ordered
type SortMode string

const (
	SortNone      SortMode = "none"
	SortProximity SortMode = "proximity"
	SortSize      SortMode = "size"
)

// ParseSortMode parses a case-insensitive sort mode name. An empty string
// means SortNone.
func ParseSortMode(s string) (SortMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SortNone, nil
	case "proximity", "distance":
		return SortProximity, nil
	case "size":
		return SortSize, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSortMode, s)
}

// Options controls a single clustering run
type Options struct {
	Radius     float64  `yaml:"radius" json:"radius"`
	SortMode   SortMode `yaml:"sortMode" json:"sortMode"`
	Descending bool     `yaml:"descending" json:"descending"`
	Reference  Point    `yaml:"reference" json:"reference"` // used by SortProximity
}

// ClusteringConfig holds clustering defaults from the config file
type ClusteringConfig struct {
	Options `yaml:",inline"`
	Budget  time.Duration `yaml:"budget,omitempty" json:"budget,omitempty"` // 0 disables the wall-clock limit
}

// SourceConfig defines an entity scan source
type SourceConfig struct {
	ID     string  `yaml:"id" json:"id"`
	Topic  string  `yaml:"topic" json:"topic"`
	ApiURL *string `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"` // Optional API URL for pulling a scan at startup
}

// StorageConfig holds paths for persisted state
type StorageConfig struct {
	HistoryDB string `yaml:"historyDb,omitempty" json:"historyDb,omitempty"`
	Snapshot  string `yaml:"snapshot,omitempty" json:"snapshot,omitempty"`
}

// RenderConfig holds debug map settings
type RenderConfig struct {
	Palette []string `yaml:"palette,omitempty" json:"palette,omitempty"` // "#RRGGBB", cycled by cluster ID
}

// Config represents the full configuration file
type Config struct {
	MQTT       MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	Clustering ClusteringConfig `yaml:"clustering" json:"clustering"`
	Sources    []SourceConfig   `yaml:"sources" json:"sources"`
	Storage    StorageConfig    `yaml:"storage,omitempty" json:"storage,omitempty"`
	Render     RenderConfig     `yaml:"render,omitempty" json:"render,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetSourceByID returns the source config for the given ID, or nil
func (c *Config) GetSourceByID(id string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}

// GetSourceByTopic returns the source ID subscribed to the given topic
func (c *Config) GetSourceByTopic(topic string) (string, bool) {
	for _, s := range c.Sources {
		if s.Topic == topic {
			return s.ID, true
		}
	}
	return "", false
}
