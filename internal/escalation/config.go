package escalation

import (
	"maps"

	"github.com/stemsi/exstem-proctor/internal/config"
)

// FromPolicy builds a policy config from the escalation section of the
// policy file. Listed severities override the built-in table.
func FromPolicy(p config.EscalationPolicy) (Config, error) {
	cfg := DefaultConfig()
	if p.GracePeriod > 0 {
		cfg.GracePeriod = p.GracePeriod
	}
	if p.MaxViolations > 0 {
		cfg.MaxViolations = p.MaxViolations
	}
	overrides, err := ParseSeverities(p.Severities)
	if err != nil {
		return Config{}, err
	}
	maps.Copy(cfg.Severities, overrides)
	return cfg, nil
}
