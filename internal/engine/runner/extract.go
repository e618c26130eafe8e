package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

// runExtract promotes the artifact of a finished build environment into the
// layer directory of the run and then discards the environment.
func (r *Run) runExtract(ctx context.Context, stage *domain.Stage) error {
	e := stage.Extract
	from, ok := r.pipeline.StageByName(e.From)
	if !ok || from.Build == nil {
		return extractError(zerr.With(domain.ErrStageNotFound, "from", e.From), stage.Name)
	}

	r.mu.Lock()
	env, ok := r.envs[e.From]
	r.mu.Unlock()
	if !ok {
		return extractError(zerr.With(zerr.New("build environment is not available"), "from", e.From), stage.Name)
	}
	// The environment is consumed by the extraction whatever its outcome.
	defer r.discard(ctx, env)

	envPath := from.Build.ArtifactPath()
	src := hostPath(env.rootfs, envPath)
	info, err := os.Lstat(src)
	if err != nil {
		return extractError(zerr.With(zerr.Wrap(err, "artifact not found"), "artifact", envPath), stage.Name)
	}
	if !info.Mode().IsRegular() {
		return extractError(zerr.With(zerr.New("artifact is not a regular file"), "artifact", envPath), stage.Name)
	}

	dest := LayerPath(r.dir, stage.Name, e.Dest)
	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return extractError(zerr.Wrap(err, "failed to create layer directory"), stage.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.e.fs.Promote(src, dest); err != nil {
		return extractError(err, stage.Name)
	}

	d, size, err := fileDigest(dest)
	if err != nil {
		return extractError(err, stage.Name)
	}

	artifact := &domain.Artifact{
		Stage:   stage.Name,
		Name:    from.Build.Target,
		EnvPath: envPath,
		Dest:    e.Dest,
		Path:    dest,
		Digest:  d.String(),
		Size:    size,
	}
	r.mu.Lock()
	r.artifacts[stage.Name] = artifact
	r.mu.Unlock()

	r.e.logger.Info("promoted " + artifact.Name + " as " + artifact.Digest)
	r.record(stage.Name, env.inputHash, artifact.Digest)
	return nil
}

// LayerPath returns where an extraction stage of the run living in runDir
// promotes its artifact. Every run promotes into its own directory.
func LayerPath(runDir, stage, dest string) string {
	return filepath.Join(domain.LayersPath(runDir), stage, filepath.FromSlash(strings.TrimPrefix(dest, "/")))
}

func fileDigest(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path) //nolint:gosec // promoted artifact
	if err != nil {
		return "", 0, zerr.With(zerr.Wrap(err, "failed to open artifact"), "path", path)
	}
	defer f.Close() //nolint:errcheck // read only

	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", 0, zerr.With(zerr.Wrap(err, "failed to digest artifact"), "path", path)
	}
	info, err := f.Stat()
	if err != nil {
		return "", 0, zerr.With(zerr.Wrap(err, "failed to stat artifact"), "path", path)
	}
	return d, info.Size(), nil
}

func extractError(err error, stage string) error {
	return zerr.With(zerr.Wrap(err, domain.ErrExtractionFailed.Error()), "stage", stage)
}
