package gate

import "time"

const (
	MinTimeout     = 100 * time.Millisecond
	MaxTimeout     = 300 * time.Second
	DefaultTimeout = 30 * time.Second

	// MaxOutputBytes bounds each of stdout and stderr.
	MaxOutputBytes = 1 << 20
)

// Definition is a gate attached to a scheduled task. It is evaluated fresh
// on every tick and never persisted.
type Definition struct {
	Command        string            `yaml:"command" json:"command"`
	Cwd            string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	TimeoutMs      int64             `yaml:"timeout_ms,omitempty" json:"timeoutMs,omitempty"`
	Permissions    []string          `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	AllowedDomains []string          `yaml:"allowed_domains,omitempty" json:"allowedDomains,omitempty"`
}

// Result tells the scheduler whether the dependent task should run. A
// non-zero exit is a normal decline and carries no Error.
type Result struct {
	ShouldRun bool   `json:"shouldRun"`
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Error     string `json:"error,omitempty"`
}

func declined(msg string) Result {
	return Result{ExitCode: -1, Error: msg}
}

// ClampTimeout converts a requested timeout into the allowed range. Zero or
// negative requests get DefaultTimeout.
func ClampTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if ms > int64(MaxTimeout/time.Millisecond) {
		return MaxTimeout
	}
	return max(d, MinTimeout)
}
