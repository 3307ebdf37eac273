package env

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/loykin/sysinitd/internal/service"
)

type Var map[string]string

// Env composes the environment handed to service processes.
type Env struct {
	Var Var // global variables from the daemon config (K->V)
	env Var // inherited base, normally the daemon's own environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the inherited base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// WithBase replaces the inherited base, mostly useful in tests.
func (e *Env) WithBase(pairs []string) *Env {
	e.env = parse(pairs)
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries as globals; malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	for k, v := range parse(pairs) {
		e.Set(k, v)
	}
}

// Compose builds the final "K=V" list for one service:
// base = inherited environment unless spec.Clear is set,
// then globals, then spec.Variables. Values are expanded against the
// composed map (${VAR} only, no recursion). The result is sorted by key.
func (e *Env) Compose(spec *service.Environment) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var)
	if spec == nil || !spec.Clear {
		for k, v := range e.env {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	if spec != nil {
		for k, v := range spec.Variables {
			if k != "" {
				m[k] = v
			}
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+j]])
		s = s[i+j+1:]
	}
	b.WriteString(s)
	return b.String()
}

func parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// LoadFile parses a .env file with KEY=VALUE lines. Blank lines and lines
// starting with # are ignored.
func LoadFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
