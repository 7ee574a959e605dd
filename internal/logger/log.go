// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

// Package logger provides the shared logrus logger used by all tools.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Log is the shared logger instance. Init (or InitBestEffort) must be called
// before use.
var Log *logrus.Logger

const (
	LevelsFlag        = "log-level"
	LevelsHelp        = "Minimum log level to output."
	LevelsPlaceholder = "(warn)"

	FileFlag     = "log-file"
	FileFlagHelp = "Path to a file to write the full log to, in addition to stderr."

	ColorFlag         = "log-color"
	ColorFlagHelp     = "Color setting for stderr log output."
	ColorsPlaceholder = "(auto)"

	defaultLogLevel = logrus.InfoLevel
)

const (
	colorAuto   = "auto"
	colorAlways = "always"
	colorNever  = "never"
)

// LogFlags holds the values of the shared logging command line flags.
type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

// Levels returns the accepted values for the log level flag.
func Levels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}
	return levels
}

// Colors returns the accepted values for the log color flag.
func Colors() []string {
	return []string{colorAuto, colorAlways, colorNever}
}

type stderrFormatter struct {
	useColor bool
}

func (f *stderrFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())

	if f.useColor {
		switch entry.Level {
		case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
			level = color.RedString(level)
		case logrus.WarnLevel:
			level = color.YellowString(level)
		case logrus.DebugLevel, logrus.TraceLevel:
			level = color.HiBlackString(level)
		}
	}

	return []byte(fmt.Sprintf("%s [%s] %s\n", entry.Time.Format("2006-01-02T15:04:05"), level, entry.Message)), nil
}

type fileLogHook struct {
	writer    io.Writer
	formatter logrus.Formatter
}

func (h *fileLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileLogHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// InitStderrLog initializes the logger with default settings, logging to stderr only.
func InitStderrLog() {
	Log = logrus.New()
	Log.SetOutput(os.Stderr)
	Log.SetLevel(defaultLogLevel)
	Log.SetFormatter(&stderrFormatter{useColor: shouldUseColor(colorAuto)})
}

// Init initializes the logger from the parsed log flags.
func Init(flags *LogFlags) error {
	InitStderrLog()

	if flags == nil {
		return nil
	}

	if flags.LogColor != nil && *flags.LogColor != "" {
		Log.SetFormatter(&stderrFormatter{useColor: shouldUseColor(*flags.LogColor)})
	}

	if flags.LogLevel != nil && *flags.LogLevel != "" {
		level, err := logrus.ParseLevel(*flags.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level (%s):\n%w", *flags.LogLevel, err)
		}
		Log.SetLevel(level)
	}

	if flags.LogFile != nil && *flags.LogFile != "" {
		logFile, err := os.OpenFile(*flags.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file (%s):\n%w", *flags.LogFile, err)
		}
		Log.AddHook(&fileLogHook{
			writer:    logFile,
			formatter: &logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
		})
	}

	return nil
}

// InitBestEffort initializes the logger from the parsed log flags, falling
// back to the stderr defaults if the flags cannot be honored.
func InitBestEffort(flags *LogFlags) {
	if err := Init(flags); err != nil {
		InitStderrLog()
		Log.Warnf("Failed to configure logger: %s", err)
	}
}

func shouldUseColor(setting string) bool {
	switch setting {
	case colorAlways:
		return true
	case colorNever:
		return false
	default:
		fileInfo, err := os.Stderr.Stat()
		if err != nil {
			return false
		}
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
}
