package domain

// StageStatus represents the lifecycle state of a stage during a run.
type StageStatus string

const (
	// StageStatusPending indicates the stage is waiting for its dependencies.
	StageStatusPending StageStatus = "pending"
	// StageStatusRunning indicates the stage is currently executing.
	StageStatusRunning StageStatus = "running"
	// StageStatusCompleted indicates the stage executed successfully.
	StageStatusCompleted StageStatus = "completed"
	// StageStatusFailed indicates the stage execution failed.
	StageStatusFailed StageStatus = "failed"
	// StageStatusSkipped indicates the stage never started because the run was aborted.
	StageStatusSkipped StageStatus = "skipped"
)

// IsTerminal checks if a status is a terminal state.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusSkipped:
		return true
	case StageStatusPending, StageStatusRunning:
		return false
	default:
		return false
	}
}

// LogLevel represents the severity of a log message, mirroring the standard slog levels.
type LogLevel int

const (
	// LogLevelDebug represents debug-level verbosity.
	LogLevelDebug LogLevel = -4
	// LogLevelInfo represents informational verbosity.
	LogLevelInfo LogLevel = 0
	// LogLevelWarn represents warning verbosity.
	LogLevelWarn LogLevel = 4
	// LogLevelError represents error verbosity.
	LogLevelError LogLevel = 8
)

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}
