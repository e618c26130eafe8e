package domain

import (
	"errors"

	"go.trai.ch/zerr"
)

var (
	// ErrStageAlreadyExists is returned when attempting to add a stage with a name that already exists.
	ErrStageAlreadyExists = zerr.New("stage already exists")

	// ErrMissingDependency is returned when a stage references a stage that doesn't exist in the graph.
	ErrMissingDependency = zerr.New("missing dependency")

	// ErrCycleDetected is returned when a cycle is detected in the stage dependency graph.
	ErrCycleDetected = zerr.New("cycle detected")

	// ErrStageNotFound is returned when a requested stage is not found in the graph.
	ErrStageNotFound = zerr.New("stage not found")

	// ErrInvalidPipeline is returned when the pipeline definition violates a static rule.
	ErrInvalidPipeline = zerr.New("invalid pipeline")

	// ErrInvalidPanicPolicy is returned when a panic policy is neither abort nor unwind.
	ErrInvalidPanicPolicy = zerr.New("invalid panic policy, expected 'abort' or 'unwind'")

	// ErrUnknownCache is returned when a mount references an undeclared cache area.
	ErrUnknownCache = zerr.New("unknown cache area")

	// ErrSourceFetchFailed is returned when the source snapshot cannot be taken.
	ErrSourceFetchFailed = zerr.New("source fetch failed")

	// ErrCacheMountFailed is returned when a cache area cannot be mounted into a build environment.
	ErrCacheMountFailed = zerr.New("cache mount failed")

	// ErrCompileFailed is returned when the build command exits unsuccessfully.
	ErrCompileFailed = zerr.New("compile failed")

	// ErrExtractionFailed is returned when the artifact cannot be promoted out of the build environment.
	ErrExtractionFailed = zerr.New("artifact extraction failed")

	// ErrPackageInstallFailed is returned when the runtime packages cannot be installed.
	ErrPackageInstallFailed = zerr.New("package install failed")

	// ErrCopyFailed is returned when a file or directory cannot be copied into the runtime image.
	ErrCopyFailed = zerr.New("copy failed")

	// ErrImageWriteFailed is returned when the runtime image layout cannot be written.
	ErrImageWriteFailed = zerr.New("image write failed")

	// ErrImageVerificationFailed is returned when an assembled image breaks a release property.
	ErrImageVerificationFailed = zerr.New("image verification failed")

	// ErrPublishFailed is returned when the verified image cannot be moved to its output location.
	ErrPublishFailed = zerr.New("image publish failed")

	// ErrStageExecutionFailed wraps the failure of a single stage.
	ErrStageExecutionFailed = zerr.New("stage execution failed")

	// ErrPipelineFailed marks a run that stopped before publishing an image.
	ErrPipelineFailed = zerr.New("pipeline failed")

	// ErrCacheMiss is returned by blob stores when a key holds no blob.
	ErrCacheMiss = zerr.New("cache miss")

	// ErrInvalidCacheKey is returned when a cache key would escape its store.
	ErrInvalidCacheKey = zerr.New("invalid cache key")

	// ErrUnknownCacheBackend is returned when the cache backend is neither fs nor s3.
	ErrUnknownCacheBackend = zerr.New("unknown cache backend, expected 'fs' or 's3'")

	// ErrUnknownPackageManager is returned when the runtime package manager is not supported.
	ErrUnknownPackageManager = zerr.New("unknown package manager, expected 'apt', 'apk' or 'none'")

	// ErrStoreCreateFailed is returned when the build info store directory cannot be created.
	ErrStoreCreateFailed = zerr.New("failed to create build info store directory")

	// ErrStoreReadFailed is returned when build info cannot be read.
	ErrStoreReadFailed = zerr.New("failed to read build info")

	// ErrStoreWriteFailed is returned when build info cannot be written.
	ErrStoreWriteFailed = zerr.New("failed to write build info")

	// ErrConfigReadFailed is returned when the pipeline file cannot be read.
	ErrConfigReadFailed = zerr.New("failed to read pipeline file")

	// ErrConfigParseFailed is returned when the pipeline file is not valid YAML.
	ErrConfigParseFailed = zerr.New("failed to parse pipeline file")
)

// IsKind reports whether any error in err's chain carries the message of the
// given sentinel. zerr creates a new value on every Wrap and With, so identity
// comparison through errors.Is only works for unwrapped sentinels.
func IsKind(err, sentinel error) bool {
	if err == nil || sentinel == nil {
		return false
	}
	if errors.Is(err, sentinel) {
		return true
	}
	want := messageOf(sentinel)
	found := false
	walk(err, func(e error) bool {
		if messageOf(e) == want {
			found = true
			return false
		}
		return true
	})
	return found
}

// Metadata collects zerr metadata from every error in err's chain.
// Values attached closer to the root of the chain win.
func Metadata(err error) map[string]any {
	meta := make(map[string]any)
	walk(err, func(e error) bool {
		if z, ok := e.(*zerr.Error); ok {
			for k, v := range z.Metadata() {
				if _, exists := meta[k]; !exists {
					meta[k] = v
				}
			}
		}
		return true
	})
	return meta
}

func messageOf(err error) string {
	if z, ok := err.(*zerr.Error); ok {
		return z.Message()
	}
	return err.Error()
}

// walk visits err and everything it wraps, including errors.Join branches.
func walk(err error, visit func(error) bool) bool {
	if err == nil {
		return true
	}
	if !visit(err) {
		return false
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if !walk(e, visit) {
				return false
			}
		}
	case interface{ Unwrap() error }:
		return walk(u.Unwrap(), visit)
	}
	return true
}
