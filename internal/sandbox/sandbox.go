// Package sandbox turns a gate command into a process confined to its
// resolved write roots and network grant.
package sandbox

import (
	"context"
	"os/exec"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

const (
	AllowedDomainsEnv = "ACCESSGUARD_ALLOWED_DOMAINS"
	DeniedDomainsEnv  = "ACCESSGUARD_DENIED_DOMAINS"
)

// Spec is everything a wrapper needs to confine one command. WriteDirs and
// Dir are canonical paths.
type Spec struct {
	Command        string
	Dir            string
	Env            map[string]string
	WriteDirs      []string
	Network        bool
	AllowedDomains []string
	DeniedDomains  []string
}

// Wrapper builds the command to execute for a Spec. The returned command is
// not started.
type Wrapper interface {
	Name() string
	Command(ctx context.Context, spec Spec) *exec.Cmd
}

// Describe renders argv as a copy-pasteable shell line for logs.
func Describe(cmd *exec.Cmd) string {
	parts := make([]string, 0, len(cmd.Args))
	for _, arg := range cmd.Args {
		q, err := syntax.Quote(arg, syntax.LangBash)
		if err != nil {
			q = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " ")
}

// envList flattens the gate env in key order so commands are reproducible.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if IsReservedEnv(k) {
			continue
		}
		out = append(out, k+"="+env[k])
	}
	return out
}

// IsReservedEnv reports whether key is set by the sandbox itself and so may
// not come from a gate definition.
func IsReservedEnv(key string) bool {
	return key == AllowedDomainsEnv || key == DeniedDomainsEnv
}

// domainEnv is applied after the gate env so it always wins.
func domainEnv(spec Spec) []string {
	var out []string
	if len(spec.AllowedDomains) > 0 {
		out = append(out, AllowedDomainsEnv+"="+strings.Join(spec.AllowedDomains, ","))
	}
	if len(spec.DeniedDomains) > 0 {
		out = append(out, DeniedDomainsEnv+"="+strings.Join(spec.DeniedDomains, ","))
	}
	return out
}
