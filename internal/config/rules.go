package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules is the optional operator-managed rules file. Non-empty fields
// override the corresponding environment variables, which keeps entity-type
// classification editable without redeploying.
type Rules struct {
	EphemeralTypes     []string `yaml:"ephemeralTypes"`
	EphemeralOnlyTypes []string `yaml:"ephemeralOnlyTypes"`
}

// LoadRules reads and decodes a rules file.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules := &Rules{}
	if err := yaml.Unmarshal(raw, rules); err != nil {
		return nil, fmt.Errorf("decode rules file %s: %w", path, err)
	}
	return rules, nil
}

func (c *EnvConfig) applyRules(r *Rules) {
	if len(r.EphemeralTypes) > 0 {
		c.EphemeralTypes = r.EphemeralTypes
	}
	if len(r.EphemeralOnlyTypes) > 0 {
		c.EphemeralOnlyTypes = r.EphemeralOnlyTypes
	}
}
