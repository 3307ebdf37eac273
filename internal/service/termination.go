package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"syscall"

	"gopkg.in/yaml.v3"
)

// Action is how a service is asked to stop. It is either RunCommand or SendSignal.
type Action interface {
	isAction()
	String() string
}

// RunCommand spawns a command and waits for it.
type RunCommand struct {
	Command
}

// SendSignal delivers a named signal to the service's process group.
type SendSignal struct {
	Signal string `json:"signal"`
}

func (RunCommand) isAction() {}
func (SendSignal) isAction() {}

func (a RunCommand) String() string { return "command " + a.Command.Command }
func (a SendSignal) String() string { return "signal " + a.Signal }

// Number resolves the signal name.
func (a SendSignal) Number() (syscall.Signal, error) { return ParseSignal(a.Signal) }

type Termination struct {
	Action Action   `yaml:"-" json:"action"`
	Before []string `yaml:"before,omitempty" json:"before,omitempty"`
	Delay  Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// DefaultTermination sends SIGTERM right away.
func DefaultTermination() Termination {
	return Termination{Action: SendSignal{Signal: "SIGTERM"}}
}

var terminationKeys = map[string]bool{
	"command": true, "arguments": true, "signal": true, "before": true, "delay": true,
}

func (t *Termination) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: termination must be a mapping", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if k := value.Content[i].Value; !terminationKeys[k] {
			return fmt.Errorf("line %d: field %s not found in termination", value.Content[i].Line, k)
		}
	}
	var raw struct {
		Command   string   `yaml:"command"`
		Arguments []string `yaml:"arguments"`
		Signal    string   `yaml:"signal"`
		Before    []string `yaml:"before"`
		Delay     Duration `yaml:"delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch {
	case raw.Command != "" && raw.Signal != "":
		return fmt.Errorf("line %d: termination takes either command or signal, not both", value.Line)
	case raw.Command != "":
		t.Action = RunCommand{Command: Command{Command: raw.Command, Arguments: raw.Arguments}}
	case raw.Signal != "":
		if len(raw.Arguments) > 0 {
			return fmt.Errorf("line %d: termination arguments require a command", value.Line)
		}
		t.Action = SendSignal{Signal: raw.Signal}
	default:
		return fmt.Errorf("line %d: termination needs a command or a signal", value.Line)
	}
	t.Before = raw.Before
	t.Delay = raw.Delay
	return nil
}

func (t Termination) MarshalYAML() (any, error) {
	out := map[string]any{}
	switch a := t.Action.(type) {
	case RunCommand:
		out["command"] = a.Command.Command
		if len(a.Arguments) > 0 {
			out["arguments"] = a.Arguments
		}
	case SendSignal:
		out["signal"] = a.Signal
	}
	if len(t.Before) > 0 {
		out["before"] = t.Before
	}
	if t.Delay > 0 {
		out["delay"] = t.Delay.String()
	}
	return out, nil
}

func (t Termination) MarshalJSON() ([]byte, error) {
	type plain struct {
		Command   string   `json:"command,omitempty"`
		Arguments []string `json:"arguments,omitempty"`
		Signal    string   `json:"signal,omitempty"`
		Before    []string `json:"before,omitempty"`
		Delay     Duration `json:"delay,omitempty"`
	}
	p := plain{Before: t.Before, Delay: t.Delay}
	switch a := t.Action.(type) {
	case RunCommand:
		p.Command, p.Arguments = a.Command.Command, a.Arguments
	case SendSignal:
		p.Signal = a.Signal
	}
	return json.Marshal(p)
}

var errNoAction = errors.New("termination needs a command or a signal")

func (t Termination) validate() error {
	switch a := t.Action.(type) {
	case nil:
		return errNoAction
	case RunCommand:
		if a.Command.Command == "" {
			return errNoAction
		}
	case SendSignal:
		if _, err := a.Number(); err != nil {
			return err
		}
	}
	return nil
}
