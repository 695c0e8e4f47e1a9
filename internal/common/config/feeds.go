package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Direction policies for deriving a trip's direction_id.
const (
	DirectionNYCT       = "nyct"
	DirectionDescriptor = "descriptor"
	DirectionFixed      = "fixed"
)

const (
	DefaultAPIKeyHeader   = "x-api-key"
	DefaultRouteSeparator = "_"
)

const mtaFeedBase = "https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/"

// FeedConfig describes one independently polled feed source.
type FeedConfig struct {
	Name           string        `yaml:"name" validate:"required,excludesall=.*>"`
	URL            string        `yaml:"url" validate:"required,url"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHeader   string        `yaml:"api_key_header"`
	Interval       time.Duration `yaml:"interval" validate:"gte=0"`
	StopSuffixes   string        `yaml:"stop_suffixes"`
	RouteSeparator string        `yaml:"route_separator"`
	Direction      string        `yaml:"direction" validate:"omitempty,oneof=nyct descriptor fixed"`
	FixedDirection int           `yaml:"fixed_direction" validate:"gte=0,lte=1"`
	NorthDirection int           `yaml:"nyct_north_direction" validate:"gte=0,lte=1"`
	KeepHistory    bool          `yaml:"keep_history"`
	Enabled        *bool         `yaml:"enabled"`
}

// IsEnabled treats a missing flag as enabled.
func (f FeedConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

type feedsFile struct {
	Feeds []FeedConfig `yaml:"feeds" validate:"required,min=1,dive"`
}

// LoadFeeds reads and validates a YAML feeds file.
func LoadFeeds(path string) ([]FeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFeeds(data)
}

// ParseFeeds decodes and validates YAML feed definitions.
func ParseFeeds(data []byte) ([]FeedConfig, error) {
	var file feedsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding feeds: %w", err)
	}
	v := validator.New()
	if err := v.Struct(file); err != nil {
		return nil, fmt.Errorf("validating feeds: %w", err)
	}
	seen := make(map[string]bool, len(file.Feeds))
	for _, f := range file.Feeds {
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate feed name %q", f.Name)
		}
		seen[f.Name] = true
	}
	return file.Feeds, nil
}

// DefaultFeeds is the NYCT subway feed table. Stop ids in these feeds carry
// an N/S direction suffix and trips carry the NYCT descriptor extension.
func DefaultFeeds() []FeedConfig {
	subway := func(name, path string) FeedConfig {
		return FeedConfig{
			Name:         name,
			URL:          mtaFeedBase + path,
			StopSuffixes: "NS",
			Direction:    DirectionNYCT,
		}
	}
	return []FeedConfig{
		subway("ACE", "nyct%2Fgtfs-ace"),
		subway("BDFM", "nyct%2Fgtfs-bdfm"),
		subway("G", "nyct%2Fgtfs-g"),
		subway("JZ", "nyct%2Fgtfs-jz"),
		subway("NQRW", "nyct%2Fgtfs-nqrw"),
		subway("L", "nyct%2Fgtfs-l"),
		subway("1234567S", "nyct%2Fgtfs"),
		subway("SIR", "nyct%2Fgtfs-si"),
		{
			Name:         "alerts",
			URL:          mtaFeedBase + "camsys%2Fsubway-alerts",
			StopSuffixes: "NS",
			Direction:    DirectionDescriptor,
		},
	}
}

func (c *GTFSRealtimeConfig) applyFeedDefaults() {
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.Interval <= 0 {
			f.Interval = c.PollingInterval
		}
		if f.APIKey == "" {
			f.APIKey = c.APIKey
		}
		if f.APIKeyHeader == "" {
			f.APIKeyHeader = DefaultAPIKeyHeader
		}
		if f.RouteSeparator == "" {
			f.RouteSeparator = DefaultRouteSeparator
		}
		if f.Direction == "" {
			f.Direction = DirectionDescriptor
		}
	}
}

// Validate checks timeouts and the resolved feed list.
func (c *GTFSRealtimeConfig) Validate() error {
	if c.PollingInterval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}
	if c.FetchTimeout <= 0 || c.CommitTimeout <= 0 {
		return fmt.Errorf("fetch and commit timeouts must be positive")
	}
	v := validator.New()
	for _, f := range c.Feeds {
		if err := v.Struct(f); err != nil {
			return fmt.Errorf("feed %q: %w", f.Name, err)
		}
	}
	return nil
}

// EnabledFeeds returns the feeds that should be polled.
func (c *GTFSRealtimeConfig) EnabledFeeds() []FeedConfig {
	var out []FeedConfig
	for _, f := range c.Feeds {
		if f.IsEnabled() {
			out = append(out, f)
		}
	}
	return out
}
