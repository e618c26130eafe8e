// Package verifier checks that an assembled runtime image honors the
// release properties of its pipeline.
package verifier

import (
	"cmp"
	"context"
	"errors"
	"path"
	"slices"
	"strings"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

// Check names.
const (
	CheckForbiddenPaths = "forbidden paths"
	CheckBuildIsolation = "build isolation"
	CheckEntrypoint     = "entrypoint"
	CheckDataSets       = "data sets"
	CheckPackages       = "package closure"
)

// Check is the outcome of one verification rule.
type Check struct {
	Name   string
	Passed bool
	// Problems lists every violation found by the rule.
	Problems []string
}

// Report is the result of verifying one image.
type Report struct {
	Image  *domain.ImageInspection
	Checks []Check
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// Verifier inspects written images.
type Verifier struct {
	images ports.ImageStore
}

// New creates a Verifier reading images through images.
func New(images ports.ImageStore) *Verifier {
	return &Verifier{images: images}
}

// Verify inspects the image layout in dir and checks it against p.
// A report is returned whenever the image could be read; the error is
// ErrImageVerificationFailed when any check fails.
func (v *Verifier) Verify(ctx context.Context, dir string, p *domain.Pipeline) (*Report, error) {
	img, err := v.images.Inspect(ctx, dir)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrImageVerificationFailed.Error()), "path", dir)
	}

	report := &Report{Image: img}
	idx := newFileIndex(img.Files)

	var build *domain.BuildSpec
	if s, ok := p.StageOfKind(domain.StageBuild); ok {
		build = s.Build
	}
	var rt *domain.RuntimeSpec
	if s, ok := p.StageOfKind(domain.StageRuntime); ok {
		rt = s.Runtime
	}

	report.Checks = append(report.Checks,
		checkForbidden(idx, p.Verify.Forbid),
		checkIsolation(idx, build, rt),
		checkEntrypoint(img, idx, rt),
		checkDataSets(img, idx, rt),
		checkPackages(img, rt),
	)

	var errs error
	for _, c := range report.Failed() {
		for _, problem := range c.Problems {
			errs = errors.Join(errs, zerr.With(zerr.New(problem), "check", c.Name))
		}
	}
	if errs != nil {
		return report, zerr.With(zerr.Wrap(errs, domain.ErrImageVerificationFailed.Error()), "path", dir)
	}
	return report, nil
}

func checkForbidden(idx fileIndex, forbid []string) Check {
	c := Check{Name: CheckForbiddenPaths}
	for _, prefix := range forbid {
		if hit, ok := idx.under(prefix); ok {
			c.Problems = append(c.Problems, "image contains forbidden path "+hit)
		}
	}
	c.Passed = len(c.Problems) == 0
	return c
}

// checkIsolation rejects images carrying the build workdir or any cache
// mount. Paths placed by a runtime copy, their parent directories and the
// runtime workdir are declared content even when they share a prefix with
// a build path.
func checkIsolation(idx fileIndex, build *domain.BuildSpec, rt *domain.RuntimeSpec) Check {
	c := Check{Name: CheckBuildIsolation}
	if build != nil {
		declared := declaredPaths(rt)
		if hit, ok := idx.undeclaredUnder(build.WorkDir, declared); ok {
			c.Problems = append(c.Problems, "image contains the build workdir at "+hit)
		}
		for _, m := range build.Mounts {
			if hit, ok := idx.undeclaredUnder(m.Path, declared); ok {
				c.Problems = append(c.Problems, "image contains cache area "+m.Cache+" at "+hit)
			}
		}
	}
	c.Passed = len(c.Problems) == 0
	return c
}

// declaredPaths returns the image paths a runtime stage places on purpose.
func declaredPaths(rt *domain.RuntimeSpec) declared {
	var d declared
	if rt == nil {
		return d
	}
	d.dirs = append(d.dirs, path.Clean(rt.WorkDir))
	for _, c := range rt.Copies {
		d.trees = append(d.trees, path.Clean(rt.DestPath(c)))
	}
	return d
}

type declared struct {
	// trees are declared with everything below them.
	trees []string
	// dirs are declared as directories only.
	dirs []string
}

func (d declared) covers(p string) bool {
	for _, t := range d.trees {
		if p == t || strings.HasPrefix(p, t+"/") || strings.HasPrefix(t, p+"/") {
			return true
		}
	}
	for _, dir := range d.dirs {
		if p == dir || strings.HasPrefix(dir, p+"/") {
			return true
		}
	}
	return false
}

func checkEntrypoint(img *domain.ImageInspection, idx fileIndex, rt *domain.RuntimeSpec) Check {
	c := Check{Name: CheckEntrypoint}
	switch {
	case len(img.Entrypoint) == 0:
		c.Problems = append(c.Problems, "image has no entrypoint")
	case rt != nil && !slices.Equal(img.Entrypoint, rt.Entrypoint):
		c.Problems = append(c.Problems, "entrypoint "+strings.Join(img.Entrypoint, " ")+" differs from the declared one")
	default:
		exe := img.Entrypoint[0]
		if !path.IsAbs(exe) {
			exe = path.Join(cmp.Or(img.WorkDir, "/"), exe)
		}
		f, ok := idx.files[exe]
		switch {
		case !ok:
			c.Problems = append(c.Problems, "entrypoint "+exe+" is not in the image")
		case f.Dir:
			c.Problems = append(c.Problems, "entrypoint "+exe+" is a directory")
		case f.Mode&0o111 == 0:
			c.Problems = append(c.Problems, "entrypoint "+exe+" is not executable")
		}
	}
	c.Passed = len(c.Problems) == 0
	return c
}

// checkDataSets requires every data set variable to name a non-empty
// directory of the image.
func checkDataSets(img *domain.ImageInspection, idx fileIndex, rt *domain.RuntimeSpec) Check {
	c := Check{Name: CheckDataSets}
	if rt != nil {
		for _, ds := range rt.DataSets() {
			value, ok := img.EnvValue(ds.Env)
			if !ok {
				c.Problems = append(c.Problems, ds.Env+" is not set")
				continue
			}
			if !path.IsAbs(value) {
				value = path.Join(cmp.Or(img.WorkDir, "/"), value)
			}
			f, ok := idx.files[path.Clean(value)]
			switch {
			case !ok || !f.Dir:
				c.Problems = append(c.Problems, ds.Env+"="+value+" is not a directory of the image")
			case !idx.hasChildren(path.Clean(value)):
				c.Problems = append(c.Problems, ds.Env+"="+value+" is empty")
			}
		}
	}
	c.Passed = len(c.Problems) == 0
	return c
}

// checkPackages requires the recorded package set to equal the declared one.
func checkPackages(img *domain.ImageInspection, rt *domain.RuntimeSpec) Check {
	c := Check{Name: CheckPackages}
	if rt != nil {
		want := PackageLabel(rt.Packages.Packages)
		got, ok := img.Labels[domain.ImageLabelPackages]
		switch {
		case !ok:
			c.Problems = append(c.Problems, "image has no "+domain.ImageLabelPackages+" label")
		case got != want:
			c.Problems = append(c.Problems, "image packages "+quote(got)+" differ from declared "+quote(want))
		}
	}
	c.Passed = len(c.Problems) == 0
	return c
}

// PackageLabel renders a package set as the value of the packages label.
func PackageLabel(packages []string) string {
	sorted := slices.Sorted(slices.Values(packages))
	return strings.Join(slices.Compact(sorted), ",")
}

func quote(s string) string {
	return "[" + s + "]"
}

type fileIndex struct {
	files  map[string]domain.ImageFile
	sorted []string
}

func newFileIndex(files []domain.ImageFile) fileIndex {
	idx := fileIndex{files: make(map[string]domain.ImageFile, len(files))}
	for _, f := range files {
		p := path.Clean("/" + f.Path)
		idx.files[p] = f
		idx.sorted = append(idx.sorted, p)
	}
	slices.Sort(idx.sorted)
	return idx
}

// under returns the first image path equal to or below prefix.
func (idx fileIndex) under(prefix string) (string, bool) {
	prefix = path.Clean("/" + prefix)
	if prefix == "/" {
		return "", false
	}
	for _, p := range idx.sorted {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return p, true
		}
	}
	return "", false
}

// undeclaredUnder returns the first image path equal to or below prefix that
// d does not cover.
func (idx fileIndex) undeclaredUnder(prefix string, d declared) (string, bool) {
	prefix = path.Clean("/" + prefix)
	if prefix == "/" {
		return "", false
	}
	for _, p := range idx.sorted {
		if (p == prefix || strings.HasPrefix(p, prefix+"/")) && !d.covers(p) {
			return p, true
		}
	}
	return "", false
}

func (idx fileIndex) hasChildren(dir string) bool {
	for _, p := range idx.sorted {
		if strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}
