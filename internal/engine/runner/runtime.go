package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/verifier"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// runRuntime assembles the runtime image in a staging directory, verifies
// it and publishes it to the output directory.
func (r *Run) runRuntime(ctx context.Context, stage *domain.Stage) error {
	rt := stage.Runtime
	root := filepath.Join(r.dir, "envs", stage.Name)
	rootfs := filepath.Join(root, "rootfs")
	layout := filepath.Join(root, "layout")
	defer os.RemoveAll(root) //nolint:errcheck // staging only

	if err := os.MkdirAll(hostPath(rootfs, rt.WorkDir), dirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrCopyFailed.Error()), "stage", stage.Name)
	}

	out := newStageOutput(ctx, r.e.logger, stage.Name)
	defer out.Close() //nolint:errcheck // flushes buffered lines only
	if err := r.e.installer.Install(ctx, rt.Packages, rootfs, out.Stdout(), out.Stderr()); err != nil {
		return zerr.With(err, "stage", stage.Name)
	}

	if err := r.copyInputs(ctx, stage.Name, rt, rootfs); err != nil {
		return err
	}

	req := &domain.ImageRequest{
		Base:       rt.Base,
		RootFS:     rootfs,
		Tag:        rt.Tag,
		WorkDir:    rt.WorkDir,
		Env:        rt.ImageEnv(),
		Entrypoint: rt.Entrypoint,
		Labels: map[string]string{
			domain.ImageLabelPackages:    verifier.PackageLabel(rt.Packages.Packages),
			domain.ImageLabelPanicPolicy: string(r.params.PanicPolicy),
			domain.ImageLabelSourceHash:  r.sourceHash,
			domain.ImageLabelPipeline:    r.pipeline.Name,
		},
		Annotations: map[string]string{
			ocispec.AnnotationVersion: r.params.VersionTag,
			ocispec.AnnotationTitle:   r.pipeline.Name,
		},
	}
	if b, ok := r.pipeline.StageOfKind(domain.StageBuild); ok && b.Build != nil && b.Build.Base != "" {
		req.Labels[domain.ImageLabelBuildBase] = b.Build.Base
	}
	img, err := r.e.images.Write(ctx, req, layout)
	if err != nil {
		return zerr.With(err, "stage", stage.Name)
	}

	if _, err := r.e.verifier.Verify(ctx, layout, r.pipeline); err != nil {
		return zerr.With(err, "stage", stage.Name)
	}

	// Nothing is published once the run has been cancelled.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.output), dirPerm); err != nil {
		return zerr.With(zerr.With(zerr.Wrap(err, domain.ErrPublishFailed.Error()), "stage", stage.Name), "path", r.output)
	}
	if err := r.e.fs.ReplaceDir(layout, r.output); err != nil {
		return zerr.With(zerr.With(zerr.Wrap(err, domain.ErrPublishFailed.Error()), "stage", stage.Name), "path", r.output)
	}

	img.Dir = r.output
	img.DataSets = rt.DataSets()
	img.Packages = slices.Sorted(slices.Values(rt.Packages.Packages))
	r.mu.Lock()
	r.image = img
	r.mu.Unlock()

	r.e.logger.Info("published image " + img.Ref + " " + img.ManifestDigest + " to " + r.output)
	r.record(stage.Name, r.sourceHash, img.ManifestDigest)
	return nil
}

// copyInputs places the artifact and every other copy into rootfs. Data sets
// are independent of each other and copied concurrently.
func (r *Run) copyInputs(ctx context.Context, stage string, rt *domain.RuntimeSpec, rootfs string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range rt.Copies {
		dest := hostPath(rootfs, rt.DestPath(c))
		if !c.IsDataSet() {
			if err := r.copyOne(gctx, c, dest); err != nil {
				// Data set copies already started must stop writing before rootfs is removed.
				cancel()
				if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
					return errors.Join(copyError(err, stage, c), werr)
				}
				return copyError(err, stage, c)
			}
			continue
		}
		g.Go(func() error {
			if err := r.copyOne(gctx, c, dest); err != nil {
				return copyError(err, stage, c)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Run) copyOne(ctx context.Context, c domain.CopySpec, dest string) error {
	if c.From != "" {
		r.mu.Lock()
		artifact, ok := r.artifacts[c.From]
		r.mu.Unlock()
		if !ok {
			return zerr.New("stage output is not available")
		}
		if err := r.e.fs.CopyFile(artifact.Path, dest); err != nil {
			return err
		}
		d, _, err := fileDigest(dest)
		if err != nil {
			return err
		}
		if d.String() != artifact.Digest {
			return zerr.With(zerr.With(zerr.New("artifact changed after promotion"), "want", artifact.Digest), "got", d.String())
		}
		return nil
	}

	src := filepath.Join(r.source, filepath.FromSlash(c.Src))
	info, err := os.Stat(src)
	if err != nil {
		return zerr.Wrap(err, "source not found")
	}
	if !info.IsDir() {
		return r.e.fs.CopyFile(src, dest)
	}
	if err := r.e.fs.CopyTree(ctx, src, dest, nil); err != nil {
		return err
	}
	if c.IsDataSet() && isEmptyDir(src) {
		r.e.logger.Warn("data set " + c.Src + " bound to " + c.Env + " is empty")
	}
	return nil
}

func isEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}

func copyError(err error, stage string, c domain.CopySpec) error {
	wrapped := zerr.With(zerr.Wrap(err, domain.ErrCopyFailed.Error()), "stage", stage)
	return zerr.With(zerr.With(wrapped, "src", c.Src), "dest", c.Dest)
}
