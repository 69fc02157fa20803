// Package logger builds the zerolog loggers the toolkit's commands and
// engines write to. A Build collects sinks; Make produces the logger.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const permission = 0o664

// Build accumulates logger configuration.
type Build struct {
	writer  io.Writer
	path    string
	console bool
	level   zerolog.Level
}

// Data is a constructed logger plus the file it may own.
type Data struct {
	writer  io.Writer
	LogFile *os.File
	Logger  zerolog.Logger
}

func New() *Build {
	return &Build{level: zerolog.InfoLevel}
}

// FromPath appends log lines to the file at path, creating it if needed.
func (build *Build) FromPath(path string) *Build {
	build.path = path
	return build
}

// FromBuffer writes log lines to w.
func (build *Build) FromBuffer(w io.Writer) *Build {
	build.writer = w
	return build
}

// Console writes human-readable lines to stderr instead of JSON.
func (build *Build) Console() *Build {
	build.console = true
	return build
}

// Level sets the minimum level; the default is info.
func (build *Build) Level(level zerolog.Level) *Build {
	build.level = level
	return build
}

func (build *Build) Make() (logData *Data, err error) {
	logData = new(Data)
	logData.writer = os.Stderr
	if build.writer != nil {
		logData.writer = build.writer
	}
	if build.console {
		logData.writer = zerolog.ConsoleWriter{Out: logData.writer}
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		logData.writer = zerolog.SyncWriter(logData.LogFile)
	}
	logData.Logger = zerolog.New(logData.writer).Level(build.level).With().Timestamp().Logger()
	return
}

// Close releases the log file, if one was opened.
func (data *Data) Close() error {
	if data.LogFile == nil {
		return nil
	}
	return data.LogFile.Close()
}
