package logging

import (
	"fmt"
	"strings"
)

// Spec is a base log level plus per-component overrides.
//
// Format: "<base-level>[,<component>=<level>]...". The base level, if
// present, must come first. An empty spec means info everywhere.
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// ParseSpec parses a spec string.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{
		BaseLevel:  LevelInfo,
		Components: make(map[string]Level),
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return spec, nil
	}

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, levelStr, found := strings.Cut(part, "=")
		if found {
			name = strings.TrimSpace(name)
			if name == "" {
				return spec, fmt.Errorf("empty component name in %q", part)
			}
			level, err := ParseLevel(levelStr)
			if err != nil {
				return spec, fmt.Errorf("component %q: %w", name, err)
			}
			spec.Components[name] = level
			continue
		}
		if i != 0 {
			return spec, fmt.Errorf("base level %q must come first", part)
		}
		level, err := ParseLevel(part)
		if err != nil {
			return spec, err
		}
		spec.BaseLevel = level
	}

	return spec, nil
}

// LevelFor returns the effective level for a component.
func (s *Spec) LevelFor(component string) Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.BaseLevel
}

// String renders the spec back into its parseable form.
func (s *Spec) String() string {
	parts := []string{s.BaseLevel.String()}
	for component, level := range s.Components {
		parts = append(parts, fmt.Sprintf("%s=%s", component, level))
	}
	return strings.Join(parts, ",")
}
