// Package config loads and validates the cluster configuration document
// (C8 step 1-2): a bootstrap listen address plus an ordered list of shard
// entries. Grounded on pyshard/master/master.py's _get_config/_is_marked/
// _check_markers, generalized from the original's JSON to the YAML format
// SPEC_FULL.md adopts for readability and comments.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Addr is a host/port pair, shared by the bootstrap and shard entries.
type Addr struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// String renders the address as host:port for dialing and logging.
func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ShardEntry describes one shard's network location and, optionally, its
// pre-assigned range. Start/End are pointers so "absent" is distinguishable
// from the zero value: either every entry carries both or none does.
type ShardEntry struct {
	Addr `yaml:",inline"`

	Name  string   `yaml:"name"`
	Start *float64 `yaml:"start"`
	End   *float64 `yaml:"end"`
	Size  int      `yaml:"size"`
}

// ClusterConfig is the full document: the bootstrap's own listen address
// plus the ordered shard list.
type ClusterConfig struct {
	Bootstrap Addr         `yaml:"bootstrap"`
	Shards    []ShardEntry `yaml:"shards"`
}

// Load reads and parses a cluster configuration file, then validates it.
func Load(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg ClusterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks the rules from §4.8 step 2: either every shard is marked
// with start/end or none is; when marked, sorting by start must yield
// start(0)==0, strictly increasing bounds with end(i)==start(i+1), all
// below 1.0; and every shard name must be unique.
func (c *ClusterConfig) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("config: at least one shard is required")
	}

	if err := c.validateNames(); err != nil {
		return err
	}

	marked, err := c.markedCount()
	if err != nil {
		return err
	}
	if !marked {
		return nil
	}

	sorted := append([]ShardEntry(nil), c.Shards...)
	sort.Slice(sorted, func(i, j int) bool { return *sorted[i].Start < *sorted[j].Start })

	memEnd := 0.0
	for _, shard := range sorted {
		start, end := *shard.Start, *shard.End
		if start >= 1.0 {
			return fmt.Errorf("config: shard %q start (%v) must be below 1.0", shard.Name, start)
		}
		if end <= start {
			return fmt.Errorf("config: shard %q end (%v) must be greater than its start (%v)", shard.Name, end, start)
		}
		if start != memEnd {
			return fmt.Errorf("config: shard %q start (%v) must equal the previous shard's end (%v)", shard.Name, start, memEnd)
		}
		memEnd = end
	}
	if memEnd != 1.0 {
		return fmt.Errorf("config: last shard end (%v) must reach 1.0", memEnd)
	}

	return nil
}

func (c *ClusterConfig) validateNames() error {
	seen := make(map[string]bool, len(c.Shards))
	for _, shard := range c.Shards {
		if shard.Name == "" {
			return fmt.Errorf("config: every shard must have a name")
		}
		if seen[shard.Name] {
			return fmt.Errorf("config: duplicate shard name %q", shard.Name)
		}
		seen[shard.Name] = true
	}
	return nil
}

// markedCount reports whether all shards carry explicit start/end, erroring
// if only some do.
func (c *ClusterConfig) markedCount() (bool, error) {
	marked := 0
	for _, shard := range c.Shards {
		if shard.Start != nil && shard.End != nil {
			marked++
		}
	}
	if marked == 0 {
		return false, nil
	}
	if marked != len(c.Shards) {
		return false, fmt.Errorf("config: all or no shards must be marked with start/end")
	}
	return true, nil
}

// SortedByStart returns the shard entries ordered by start, the order the
// bootstrap connects to and programs them in. It panics if called on an
// unmarked configuration; callers must check Validate first.
func (c *ClusterConfig) SortedByStart() []ShardEntry {
	sorted := append([]ShardEntry(nil), c.Shards...)
	sort.Slice(sorted, func(i, j int) bool { return *sorted[i].Start < *sorted[j].Start })
	return sorted
}

// SortedByStartOrNil returns SortedByStart's result, or nil if the
// configuration is unmarked (no shard carries start/end). Callers use the
// nil case to detect the deferred auto-ranging path.
func (c *ClusterConfig) SortedByStartOrNil() []ShardEntry {
	if len(c.Shards) == 0 || c.Shards[0].Start == nil {
		return nil
	}
	return c.SortedByStart()
}

// Settings is process-level configuration: the knobs a single shard or
// bootstrap process needs that aren't part of cluster topology. cmd/shard
// and cmd/bootstrap do not use this type; they read their environment
// directly in main() and pass the values to constructors.
type Settings struct {
	ListenAddr     string
	AdminAddr      string
	AuthEnabled    bool
	AuthToken      string
	BufferSize     int
	ConnectTimeout int // seconds
	SnapshotPath   string
	LogJSON        bool
}

// DefaultSettings returns the baseline Settings: a 1024-byte buffer and a
// 5-second connect timeout.
func DefaultSettings() Settings {
	return Settings{
		BufferSize:     1024,
		ConnectTimeout: 5,
	}
}
