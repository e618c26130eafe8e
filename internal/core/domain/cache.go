package domain

import (
	"path"
	"time"
)

// CacheScope controls which pipelines share a cache area.
type CacheScope string

const (
	// CacheScopeShared areas are shared by every pipeline using the same store.
	CacheScopeShared CacheScope = "shared"
	// CacheScopePipeline areas are private to one named pipeline.
	CacheScopePipeline CacheScope = "pipeline"
)

// CacheArea is a named, persistent directory that survives across runs.
// Its contents are advisory: a build must succeed when the area is empty.
type CacheArea struct {
	Name  string
	Scope CacheScope
}

// Key returns the store key of the area for the given pipeline.
func (c CacheArea) Key(pipeline string) string {
	if c.Scope == CacheScopePipeline {
		return path.Join(pipeline, c.Name)
	}
	return c.Name
}

// CacheMount attaches a cache area to a path inside a build environment.
// When Env is set, the absolute host location of the mount is exported
// to the build command under that variable name.
type CacheMount struct {
	Cache string
	Path  string
	Env   string
}

// CacheEntry describes a stored cache area.
type CacheEntry struct {
	Key      string
	Size     int64
	Modified time.Time
}
