// Package service holds the declarative description of one managed unit.
// Records are decoded from YAML and are not modified after validation.
package service

// Record describes one service.
type Record struct {
	Meta        Meta         `yaml:"meta" json:"meta"`
	ID          string       `yaml:"id" json:"id" validate:"required,service_id"`
	Start       Start        `yaml:"start" json:"start"`
	Restart     Restart      `yaml:"restart,omitempty" json:"restart"`
	Termination *Termination `yaml:"termination,omitempty" json:"termination,omitempty"`
	Environment *Environment `yaml:"environment,omitempty" json:"environment,omitempty"`
	Log         *Log         `yaml:"log,omitempty" json:"log,omitempty"`
	Diagnosis   Ladder       `yaml:"diagnosis,omitempty" json:"diagnosis,omitempty"`
}

type Meta struct {
	Version string `yaml:"version" json:"version" validate:"required,schema_version"`
}

// Command is an executable path plus its arguments.
type Command struct {
	Command   string   `yaml:"command" json:"command" validate:"required"`
	Arguments []string `yaml:"arguments,omitempty" json:"arguments,omitempty"`
}

// Argv returns the command followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Command}, c.Arguments...)
}

type Start struct {
	Command      `yaml:",inline"`
	User         string   `yaml:"user,omitempty" json:"user,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	// After is the older spelling of Dependencies; both lists are honored.
	After []string `yaml:"after,omitempty" json:"after,omitempty"`
	Delay Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// Needs returns the union of Dependencies and After without duplicates,
// preserving first occurrence order.
func (s Start) Needs() []string {
	return uniq(s.Dependencies, s.After)
}

type Strategy string

const (
	StrategyNever     Strategy = "never"
	StrategyOnFailure Strategy = "on-failure"
	StrategyAlways    Strategy = "always"
)

type Restart struct {
	Strategy Strategy `yaml:"strategy,omitempty" json:"strategy,omitempty" validate:"omitempty,oneof=never on-failure always"`
	Attempts int      `yaml:"attempts,omitempty" json:"attempts,omitempty" validate:"gte=0"`
	// Command runs before every respawn when set.
	Command *Command `yaml:"command,omitempty" json:"command,omitempty"`
}

// Policy returns the strategy with the default applied.
func (r Restart) Policy() Strategy {
	if r.Strategy == "" {
		return StrategyNever
	}
	return r.Strategy
}

type Environment struct {
	Clear     bool              `yaml:"clear,omitempty" json:"clear,omitempty"`
	Variables map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
}

type Log struct {
	Stdin  string `yaml:"stdin,omitempty" json:"stdin,omitempty"`
	Stdout string `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr string `yaml:"stderr,omitempty" json:"stderr,omitempty"`
}

// Dependencies returns the ids this service must start after.
func (r Record) Dependencies() []string { return r.Start.Needs() }

// StopBefore returns the ids that must be stopped before this service.
func (r Record) StopBefore() []string {
	if r.Termination == nil {
		return nil
	}
	return uniq(r.Termination.Before)
}

// Shutdown returns the termination descriptor, falling back to SIGTERM with no delay.
func (r Record) Shutdown() Termination {
	if r.Termination == nil || r.Termination.Action == nil {
		t := DefaultTermination()
		if r.Termination != nil {
			t.Before = r.Termination.Before
			t.Delay = r.Termination.Delay
		}
		return t
	}
	return *r.Termination
}

func uniq(lists ...[]string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, l := range lists {
		for _, id := range l {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
