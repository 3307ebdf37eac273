package service

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const MaxLevel = 5

// Probe is one rung of the diagnosis ladder.
type Probe struct {
	Level int `json:"level"`
	Command
}

// Ladder is ordered from least (level1) to most invasive (level5).
// Levels that are not configured are absent.
type Ladder []Probe

func (l *Ladder) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: diagnosis must be a mapping", value.Line)
	}
	out := make(Ladder, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		level, ok := parseLevel(key)
		if !ok {
			return fmt.Errorf("line %d: field %s not found in diagnosis", value.Content[i].Line, key)
		}
		var c Command
		if err := value.Content[i+1].Decode(&c); err != nil {
			return err
		}
		out = append(out, Probe{Level: level, Command: c})
	}
	slices.SortFunc(out, func(a, b Probe) int { return a.Level - b.Level })
	for i := 1; i < len(out); i++ {
		if out[i].Level == out[i-1].Level {
			return fmt.Errorf("line %d: diagnosis level%d defined twice", value.Line, out[i].Level)
		}
	}
	*l = out
	return nil
}

func (l Ladder) MarshalYAML() (any, error) {
	if len(l) == 0 {
		return nil, nil
	}
	out := make(map[string]Command, len(l))
	for _, p := range l {
		out["level"+strconv.Itoa(p.Level)] = p.Command
	}
	return out, nil
}

func (l Ladder) MarshalJSON() ([]byte, error) {
	out := make(map[string]Command, len(l))
	for _, p := range l {
		out["level"+strconv.Itoa(p.Level)] = p.Command
	}
	return json.Marshal(out)
}

func parseLevel(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, "level")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > MaxLevel {
		return 0, false
	}
	return n, true
}

func (l Ladder) validate() error {
	for i, p := range l {
		if p.Level < 1 || p.Level > MaxLevel {
			return fmt.Errorf("diagnosis level %d out of range 1..%d", p.Level, MaxLevel)
		}
		if i > 0 && p.Level <= l[i-1].Level {
			return fmt.Errorf("diagnosis levels must be strictly ascending")
		}
		if p.Command.Command == "" {
			return fmt.Errorf("diagnosis level%d: command is required", p.Level)
		}
	}
	return nil
}
