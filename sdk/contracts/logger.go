package contracts

import "time"

// LogLevel represents the severity level for logging. Higher values are more severe.
type LogLevel int

const (
	// DebugLevel indicates protocol traffic and state transitions, useful when troubleshooting a bridge.
	DebugLevel LogLevel = iota - 1
	// InfoLevel indicates lifecycle progress such as scans, connections and disconnections.
	InfoLevel
	// WarnLevel indicates dropped messages or degraded behaviour that does not stop the bridge.
	WarnLevel
	// ErrorLevel indicates failed requests and lost connections.
	ErrorLevel
	// FatalLevel indicates errors after which the process exits.
	FatalLevel
)

// String returns the lower-case name of the level.
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	return "unknown"
}

// ParseLogLevel converts a level name into a LogLevel. Unknown names map to InfoLevel.
func ParseLogLevel(name string) LogLevel {
	switch name {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	}
	return InfoLevel
}

// LogDestination specifies where the log messages should be directed.
type LogDestination string

const (
	// ConsoleLog directs log messages to standard error.
	ConsoleLog LogDestination = "console"
	// FileLog directs log messages to a file.
	FileLog LogDestination = "file"
)

// Field builds a structured log field. Each builder call returns a new Field.
type Field interface {
	Bool(key string, val bool) Field
	Int(key string, val int) Field
	Float64(key string, val float64) Field
	String(key string, val string) Field
	Time(key string, val time.Time) Field
	Duration(key string, val time.Duration) Field
	Int64(key string, val int64) Field
	Error(key string, val error) Field
	Uint64(key string, val uint64) Field
	Any(key string, val any) Field
}

// Logger provides leveled, structured logging.
type Logger interface {
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	Field() Field

	SetLevel(level LogLevel)
	SetDestination(dest LogDestination, filePath ...string)
}
