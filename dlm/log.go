// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"os"

	"github.com/sirupsen/logrus"
)

// newLogger builds the logrus.Logger the engine logs through, matching
// the teacher's log.go leveled-helper shape (logFatalf/logErrorf/...).
// Each message is still a single formatted string; the helpers attach
// the namespace name as the one structured field.
func newLogger(cfg Config) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
	})

	if cfg.LogFilePath != "" {
		f, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
		if err == nil {
			if cfg.LogToConsole {
				logger.SetOutput(logMultiWriter{f, os.Stderr})
			} else {
				logger.SetOutput(f)
			}
		}
	} else if !cfg.LogToConsole {
		logger.SetOutput(logDiscard{})
	}

	if cfg.TraceEnabled {
		logger.SetLevel(logrus.TraceLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	return logger
}

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

type logMultiWriter []*os.File

func (w logMultiWriter) Write(p []byte) (int, error) {
	for _, f := range w {
		_, _ = f.Write(p)
	}
	return len(p), nil
}

func (ns *Namespace) logFatalf(format string, args ...interface{}) {
	ns.logger.WithField("namespace", ns.name).Fatalf(format, args...)
}

func (ns *Namespace) logErrorf(format string, args ...interface{}) {
	ns.logger.WithField("namespace", ns.name).Errorf(format, args...)
}

func (ns *Namespace) logWarnf(format string, args ...interface{}) {
	ns.logger.WithField("namespace", ns.name).Warnf(format, args...)
}
