package domain

import (
	"path"
	"slices"
	"strings"
)

// StageKind identifies what a stage does.
type StageKind string

const (
	// StageBuild compiles the target inside a disposable environment.
	StageBuild StageKind = "build"
	// StageExtract promotes the artifact out of a build environment.
	StageExtract StageKind = "extract"
	// StageRuntime assembles the runtime image.
	StageRuntime StageKind = "runtime"
)

// Stage is a node of the pipeline graph. Exactly one of Build, Extract and
// Runtime is set, matching Kind.
type Stage struct {
	Name      string
	Kind      StageKind
	DependsOn []string

	Build   *BuildSpec
	Extract *ExtractSpec
	Runtime *RuntimeSpec
}

// Dependencies returns the explicit dependencies of the stage together with
// the ones implied by its inputs, sorted and without duplicates.
func (s *Stage) Dependencies() []string {
	deps := slices.Clone(s.DependsOn)
	switch s.Kind {
	case StageExtract:
		if s.Extract != nil && s.Extract.From != "" {
			deps = append(deps, s.Extract.From)
		}
	case StageRuntime:
		if s.Runtime != nil {
			for _, c := range s.Runtime.Copies {
				if c.From != "" {
					deps = append(deps, c.From)
				}
			}
		}
	case StageBuild:
	}
	slices.Sort(deps)
	return slices.Compact(deps)
}

// BuildSpec declares a build environment and the single target it compiles.
type BuildSpec struct {
	Base     string
	WorkDir  string
	Target   string
	Command  []string
	Artifact string
	Mounts   []CacheMount
	Env      map[string]string
}

// ArtifactPath returns the absolute path of the artifact inside the environment.
func (b *BuildSpec) ArtifactPath() string {
	if path.IsAbs(b.Artifact) {
		return path.Clean(b.Artifact)
	}
	return path.Join(b.WorkDir, b.Artifact)
}

// ReferencesTarget reports whether the build command selects the target,
// either literally or through the target variable.
func (b *BuildSpec) ReferencesTarget() bool {
	for _, arg := range b.Command {
		if arg == b.Target ||
			strings.Contains(arg, "$"+EnvBuildTarget) ||
			strings.Contains(arg, "${"+EnvBuildTarget+"}") ||
			strings.HasSuffix(arg, "="+b.Target) {
			return true
		}
	}
	return false
}

// ExtractSpec declares the promotion of a build artifact to a stable location.
type ExtractSpec struct {
	From string
	Dest string
}

// PackageManager is the dialect used to install runtime packages.
type PackageManager string

const (
	// PackageManagerApt installs Debian packages.
	PackageManagerApt PackageManager = "apt"
	// PackageManagerApk installs Alpine packages.
	PackageManagerApk PackageManager = "apk"
	// PackageManagerNone installs nothing.
	PackageManagerNone PackageManager = "none"
)

// PackageSpec is the set of packages installed into the runtime image.
type PackageSpec struct {
	Manager  PackageManager
	Packages []string
}

// CopySpec copies a file or directory into the runtime image. Without From
// the source is read from the source snapshot, otherwise from the output of
// the named stage. When Env is set the copy is an auxiliary data set whose
// runtime location is exported under that variable.
type CopySpec struct {
	From string
	Src  string
	Dest string
	Env  string
}

// IsDataSet reports whether the copy binds an environment variable.
func (c CopySpec) IsDataSet() bool {
	return c.Env != ""
}

// RuntimeSpec declares the minimal runtime image.
type RuntimeSpec struct {
	Base       string
	Packages   PackageSpec
	WorkDir    string
	Copies     []CopySpec
	Env        map[string]string
	Entrypoint []string
	Tag        string
	Output     string
}

// DestPath returns the absolute image path of a copy.
func (r *RuntimeSpec) DestPath(c CopySpec) string {
	if path.IsAbs(c.Dest) {
		return path.Clean(c.Dest)
	}
	return path.Join(r.WorkDir, c.Dest)
}

// EntrypointPath returns the absolute image path of the entrypoint executable.
func (r *RuntimeSpec) EntrypointPath() string {
	if len(r.Entrypoint) == 0 {
		return ""
	}
	if path.IsAbs(r.Entrypoint[0]) {
		return path.Clean(r.Entrypoint[0])
	}
	return path.Join(r.WorkDir, r.Entrypoint[0])
}

// DataSets returns the auxiliary data sets declared by the copies.
func (r *RuntimeSpec) DataSets() []DataSet {
	var sets []DataSet
	for _, c := range r.Copies {
		if !c.IsDataSet() {
			continue
		}
		sets = append(sets, DataSet{
			Name: path.Base(c.Src),
			Src:  c.Src,
			Dest: r.DestPath(c),
			Env:  c.Env,
		})
	}
	return sets
}

// ImageEnv returns the environment of the runtime image, including one
// variable per data set, sorted by name.
func (r *RuntimeSpec) ImageEnv() []string {
	env := make(map[string]string, len(r.Env)+len(r.Copies))
	for k, v := range r.Env {
		env[k] = v
	}
	for _, ds := range r.DataSets() {
		env[ds.Env] = ds.Dest
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

// Command is a process to run on the host.
type Command struct {
	Args []string
	Dir  string
	Env  map[string]string
}
