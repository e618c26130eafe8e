package domain

import "time"

// Artifact is the binary produced by a build stage after promotion.
type Artifact struct {
	// Stage is the extraction stage that promoted the artifact.
	Stage string
	// Name is the target that produced it.
	Name string
	// EnvPath is the artifact path inside the build environment.
	EnvPath string
	// Dest is the logical destination declared by the extraction stage.
	Dest string
	// Path is the promoted file on the host. It lives in the run directory and
	// is removed when the run is closed.
	Path   string
	Digest string
	Size   int64
}

// DataSet is a directory of auxiliary files copied verbatim into the runtime
// image and made discoverable through an environment variable.
type DataSet struct {
	Name string
	Src  string
	Dest string
	Env  string
}

// ImageRequest describes an image to be written from an assembled root filesystem.
type ImageRequest struct {
	Base        string
	RootFS      string
	Tag         string
	WorkDir     string
	Env         []string
	Entrypoint  []string
	Labels      map[string]string
	Annotations map[string]string
	Created     time.Time
}

// RuntimeImage is a written runtime image.
type RuntimeImage struct {
	Ref            string
	Base           string
	Dir            string
	ManifestDigest string
	ConfigDigest   string
	WorkDir        string
	Env            []string
	Entrypoint     []string
	Labels         map[string]string
	DataSets       []DataSet
	Packages       []string
}

// ImageFile is one entry of an image filesystem.
type ImageFile struct {
	Path string
	Dir  bool
	Mode int64
	Size int64
}

// ImageInspection is what can be read back from a written image.
type ImageInspection struct {
	Ref         string
	WorkDir     string
	Env         []string
	Entrypoint  []string
	Cmd         []string
	Labels      map[string]string
	Annotations map[string]string
	Files       []ImageFile
}

// EnvValue returns the value of an image environment variable.
func (i *ImageInspection) EnvValue(name string) (string, bool) {
	prefix := name + "="
	for _, kv := range i.Env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):], true
		}
	}
	return "", false
}
