package shell

// Exported for white-box tests.
var (
	ResolveEnvironment = resolveEnvironment
	LookPath           = lookPath
)
