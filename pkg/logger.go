package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	global   *Logger
	globalMu sync.RWMutex

	// zerolog keeps these as package globals; set them once.
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with rotation and async output.
type Logger struct {
	*zerolog.Logger
	config  *Config
	closers []io.Closer
	mu      sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level"`

	// Format is the output format (json, console)
	Format string `json:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format"`

	// Console output settings
	Console ConsoleConfig `json:"console"`

	// File output settings
	File FileConfig `json:"file"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller"`

	// AsyncWrite uses a diode writer so logging never blocks hot paths
	AsyncWrite bool `json:"async_write"`

	// BufferSize for async writer (in messages)
	BufferSize int `json:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable"`
	NoColor    bool   `json:"no_color"`
	TimeFormat string `json:"time_format"`
	Output     string `json:"output"` // stdout, stderr
}

// FileConfig for rotated file output
type FileConfig struct {
	Enable     bool   `json:"enable"`
	Path       string `json:"path"`
	MaxSize    int    `json:"max_size"`    // megabytes
	MaxAge     int    `json:"max_age"`     // days
	MaxBackups int    `json:"max_backups"`
	Compress   bool   `json:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "json",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Path:       "rhizome.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		Fields:     make(Fields),
		BufferSize: 10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)

	if config.Console.Enable {
		var out io.Writer = os.Stdout
		if config.Console.Output == "stderr" {
			out = os.Stderr
		}
		if config.Format == "console" {
			out = zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			}
		}
		writers = append(writers, out)
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("log file path is required when file output is enabled")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			Compress:   config.File.Compress,
		}
		writers = append(writers, rotator)
		closers = append(closers, rotator)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
		writer = dw
		// The diode must flush before the files underneath close.
		closers = append([]io.Closer{dw}, closers...)
	}

	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = 2
		})
	}
	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	zctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		zctx = zctx.Caller()
	}
	for k, v := range config.Fields {
		zctx = zctx.Interface(k, v)
	}
	zl := zctx.Logger()

	return &Logger{
		Logger:  &zl,
		config:  config,
		closers: closers,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl, config: DefaultConfig()}
}

// SetGlobal sets the global logger instance
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

// Get returns the global logger, or a default one if none was set.
func Get() *Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global, _ = New(DefaultConfig())
	}
	return global
}

func (l *Logger) derive(zl zerolog.Logger) *Logger {
	return &Logger{Logger: &zl, config: l.config}
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	zctx := l.Logger.With()
	l.mu.RUnlock()

	for k, v := range fields {
		zctx = zctx.Interface(k, v)
	}
	return l.derive(zctx.Logger())
}

// Component is shorthand for WithFields(Fields{"component": name}).
func (l *Logger) Component(name string) *Logger {
	l.mu.RLock()
	zl := l.Logger.With().Str("component", name).Logger()
	l.mu.RUnlock()
	return l.derive(zl)
}

// WithError creates a child logger carrying err and its type
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}

	l.mu.RLock()
	zl := l.Logger.With().
		Str("error", err.Error()).
		Str("error_type", fmt.Sprintf("%T", err)).
		Logger()
	l.mu.RUnlock()
	return l.derive(zl)
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	zl := l.Logger.Level(lvl)
	l.Logger = &zl
	l.config.Level = level
	return nil
}

// Close flushes async output and closes rotated files.
func (l *Logger) Close() error {
	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()

	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
