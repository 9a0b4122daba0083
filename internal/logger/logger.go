package logger

import (
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Entry
}

var (
	once sync.Once
	base *logrus.Logger
)

// shared returns the process-wide logrus instance so a level change
// reaches every component logger.
func shared() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()

		// Local env = pretty console; others = JSON
		env := os.Getenv("ENVIRONMENT")
		if env == "" || env == "local" {
			base.SetFormatter(&logrus.TextFormatter{
				FullTimestamp:   true,
				TimestampFormat: time.RFC3339Nano,
				ForceColors:     true,
			})
		} else {
			base.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: time.RFC3339Nano,
			})
		}

		base.SetOutput(os.Stdout)
		base.SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
	})
	return base
}

func New() *Logger {
	return &Logger{Entry: logrus.NewEntry(shared())}
}

// NewWithOutput builds an isolated logger, used by tests to capture output.
func NewWithOutput(w io.Writer, level string) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	l.SetLevel(ParseLevel(level))
	return &Logger{Entry: logrus.NewEntry(l)}
}

// ParseLevel maps config strings to logrus levels, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the level of every logger handed out by New.
func SetLevel(level string) {
	shared().SetLevel(ParseLevel(level))
}

// Component returns an entry tagged with the component name.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.Entry.WithField("component", name)
}

// WithRequest attaches request metadata and returns an entry
func (l *Logger) WithRequest(r *http.Request) *logrus.Entry {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.New().String()
	}

	return l.WithFields(logrus.Fields{
		"req_id":     reqID,
		"method":     r.Method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"user_agent": r.UserAgent(),
	})
}

// WithError standardizes error logging
func (l *Logger) WithError(err error) *logrus.Entry {
	if err == nil {
		return l.Entry
	}
	return l.Entry.WithField("error", err.Error())
}
