package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logg = newLogger()

func GetLogger() *logrus.Logger {
	return logg
}

// newLogger reads LOG_LEVEL (default error) and LOG_FORMAT (json, or text for local runs).
func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = logrus.ErrorLevel
	}
	l.SetLevel(level)
	return l
}

// LogError writes one error line tagged with where it happened. data is omitted when nil.
func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	if logger == nil || err == nil {
		return
	}
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
