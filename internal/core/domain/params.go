package domain

import (
	"strings"

	"go.trai.ch/zerr"
)

// PanicPolicy selects how the compiled program reacts to a panic.
type PanicPolicy string

const (
	// PanicAbort terminates the process immediately.
	PanicAbort PanicPolicy = "abort"
	// PanicUnwind unwinds the stack before terminating.
	PanicUnwind PanicPolicy = "unwind"
)

const (
	// EnvPanicPolicy is the build environment variable carrying the panic policy.
	EnvPanicPolicy = "PANIC_POLICY"
	// EnvVersionTag is the build environment variable carrying the version tag.
	EnvVersionTag = "VERSION_TAG"
	// EnvBuildTarget is the build environment variable naming the selected target.
	EnvBuildTarget = "BUILD_TARGET"
	// EnvEnvRoot is the build environment variable pointing at the environment root.
	EnvEnvRoot = "KILN_ENV_ROOT"
	// EnvWorkDir is the build environment variable pointing at the build working directory.
	EnvWorkDir = "KILN_WORKDIR"
)

// ParsePanicPolicy parses a panic policy, accepting any letter case.
func ParsePanicPolicy(s string) (PanicPolicy, error) {
	switch p := PanicPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PanicAbort, PanicUnwind:
		return p, nil
	default:
		return "", zerr.With(ErrInvalidPanicPolicy, "value", s)
	}
}

// BuildParams are the per-run parameters of a build stage.
type BuildParams struct {
	PanicPolicy PanicPolicy
	VersionTag  string
}

// DefaultBuildParams returns the parameters used when nothing is configured.
func DefaultBuildParams() BuildParams {
	return BuildParams{PanicPolicy: PanicAbort, VersionTag: "dev"}
}

// Override returns a copy of p with every non-empty field of o applied.
func (p BuildParams) Override(o BuildParams) BuildParams {
	if o.PanicPolicy != "" {
		p.PanicPolicy = o.PanicPolicy
	}
	if o.VersionTag != "" {
		p.VersionTag = o.VersionTag
	}
	return p
}

// Env returns the parameters as build environment variables.
func (p BuildParams) Env() map[string]string {
	return map[string]string{
		EnvPanicPolicy: string(p.PanicPolicy),
		EnvVersionTag:  p.VersionTag,
	}
}
