package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the root logger. When file is non-empty, log lines are also
// written to a size-rotated file next to the console output.
func New(level, file string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	var out io.Writer = console
	if file != "" {
		out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
