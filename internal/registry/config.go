package registry

import (
	"fmt"

	"github.com/spf13/viper"
)

// InstanceConfig declares one addressable scanner backend.
type InstanceConfig struct {
	ID             string `mapstructure:"id"`
	Pool           string `mapstructure:"-"`
	Driver         string `mapstructure:"driver"`
	URL            string `mapstructure:"url"`
	CredentialsRef string `mapstructure:"credentials_ref"`
	Enabled        bool   `mapstructure:"enabled"`
	MaxConcurrent  int    `mapstructure:"max_concurrent"`
}

// PoolConfig is a named group of scanner instances sharing a queue namespace.
type PoolConfig struct {
	Name      string           `mapstructure:"name"`
	Default   bool             `mapstructure:"default"`
	Instances []InstanceConfig `mapstructure:"instances"`
}

// Config is the scanner topology, declared under the `scanners` config key.
type Config struct {
	Pools []PoolConfig `mapstructure:"pools"`
}

// LoadConfig reads the scanner topology from viper and validates it.
func LoadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.UnmarshalKey("scanners", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal scanners config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the topology for structural problems and fills in the
// per-instance pool back-references.
func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("scanner config: at least one pool is required")
	}

	seenPools := make(map[string]bool)
	seenInstances := make(map[string]bool)
	defaults := 0

	for pi := range c.Pools {
		p := &c.Pools[pi]
		if p.Name == "" {
			return fmt.Errorf("scanner config: pool %d has no name", pi)
		}
		if seenPools[p.Name] {
			return fmt.Errorf("scanner config: duplicate pool %q", p.Name)
		}
		seenPools[p.Name] = true
		if p.Default {
			defaults++
		}
		if len(p.Instances) == 0 {
			return fmt.Errorf("scanner config: pool %q has no instances", p.Name)
		}
		for ii := range p.Instances {
			inst := &p.Instances[ii]
			if inst.ID == "" {
				return fmt.Errorf("scanner config: pool %q instance %d has no id", p.Name, ii)
			}
			if seenInstances[inst.ID] {
				return fmt.Errorf("scanner config: duplicate instance %q", inst.ID)
			}
			seenInstances[inst.ID] = true
			if inst.URL == "" {
				return fmt.Errorf("scanner config: instance %q has no url", inst.ID)
			}
			if inst.Driver == "" {
				return fmt.Errorf("scanner config: instance %q has no driver", inst.ID)
			}
			if inst.MaxConcurrent < 1 {
				return fmt.Errorf("scanner config: instance %q max_concurrent must be >= 1", inst.ID)
			}
			inst.Pool = p.Name
		}
	}

	if defaults > 1 {
		return fmt.Errorf("scanner config: more than one default pool")
	}
	if defaults == 0 {
		c.Pools[0].Default = true
	}
	return nil
}
