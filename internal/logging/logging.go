package logging

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Log is the application logger.
var Log = logrus.New()

// Configure sets level and formatter on Log.
func Configure(level, format string) error {
	return Apply(Log, level, format)
}

// Apply sets level and formatter on an arbitrary logger.
func Apply(l *logrus.Logger, level, format string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "logger level %q", level)
	}
	l.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02T15:04:05.000"})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown logger format %q", format)
	}
	return nil
}

// LogIf logs err if it is not nil.
func LogIf(err error) {
	if err != nil {
		Log.Error(err)
	}
}
