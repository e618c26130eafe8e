package domain

import "path/filepath"

const (
	// DefaultPipelineFile is the pipeline definition read when no file is given.
	DefaultPipelineFile = "kiln.yaml"
	// StateDirName is the per-project directory holding run state.
	StateDirName = ".kiln"
	// ImageLabelPackages lists the declared runtime packages of an image.
	ImageLabelPackages = "io.kiln.packages"
	// ImageLabelPanicPolicy records the panic policy the artifact was built with.
	ImageLabelPanicPolicy = "io.kiln.panic-policy"
	// ImageLabelSourceHash records the fingerprint of the source snapshot.
	ImageLabelSourceHash = "io.kiln.source-hash"
	// ImageLabelBuildBase records the base image declared by the build stage.
	ImageLabelBuildBase = "io.kiln.build-base"
	// ImageLabelPipeline records the pipeline that produced the image.
	ImageLabelPipeline = "io.kiln.pipeline"
)

// StorePath returns the directory of the build info store under root.
func StorePath(root string) string {
	return filepath.Join(root, StateDirName, "store")
}

// RunsPath returns the directory holding per-run environments under root.
func RunsPath(root string) string {
	return filepath.Join(root, StateDirName, "runs")
}

// LayersPath returns the directory holding the artifacts promoted by the run
// whose directory is runDir.
func LayersPath(runDir string) string {
	return filepath.Join(runDir, "layers")
}
