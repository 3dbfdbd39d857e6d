// logger.go - Structured logging for the vesting daemon
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// auditField marks an entry for the audit stream.
const auditField = "audit"

// Logger is a logrus logger that also owns its log and audit files.
type Logger struct {
	*logrus.Logger
	files []*os.File
}

// auditHook copies audit events and every warning or worse to the audit file.
type auditHook struct {
	w         io.Writer
	formatter logrus.Formatter
}

func (h *auditHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *auditHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data[auditField]; !ok && entry.Level > logrus.WarnLevel {
		return nil
	}
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.w.Write(line)
	return err
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// NewLogger creates a logger writing to stdout and, when set, logFile.
// Audit events go to auditFile as JSON lines.
func NewLogger(level, logFile, auditFile string) (*Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l := &Logger{Logger: logrus.New()}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if logFile != "" {
		f, err := openAppend(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.files = append(l.files, f)
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	if auditFile != "" {
		f, err := openAppend(auditFile)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.files = append(l.files, f)
		l.AddHook(&auditHook{w: f, formatter: &logrus.JSONFormatter{}})
	}
	return l, nil
}

// Audit records an audit event.
func (l *Logger) Audit(event string, details logrus.Fields) {
	l.WithFields(details).WithField(auditField, true).Info(event)
}

// Close closes the logger's files
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}
