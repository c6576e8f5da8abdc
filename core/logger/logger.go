package logger

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// New builds a logger writing to writer at the given level and format
func New(level, format string, writer io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.Out = writer

	switch strings.ToUpper(level) {
	case DEBUG:
		log.Level = logrus.DebugLevel
	case INFO, "":
		log.Level = logrus.InfoLevel
	case WARNING, "WARN":
		log.Level = logrus.WarnLevel
	case ERROR:
		log.Level = logrus.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	switch strings.ToLower(format) {
	case FormatText, "":
		log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	case FormatJSON:
		log.Formatter = &logrus.JSONFormatter{}
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return log, nil
}

// Discard returns a logger that drops everything
func Discard() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}
