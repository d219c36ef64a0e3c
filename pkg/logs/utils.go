package logs

import (
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	level   = log.InfoLevel
	output  io.Writer
	loggers []*log.Logger
)

// formatter adds default fields to each log entry.
type formatter struct {
	owner string
	lf    log.Formatter
}

// Format satisfies the log.Formatter interface.
func (f *formatter) Format(e *log.Entry) ([]byte, error) {
	e.Message = fmt.Sprintf("[%s] %s", f.owner, e.Message)
	return f.lf.Format(e)
}

func NewLogger(owner string) *log.Logger {
	logger := log.New()
	logger.SetFormatter(&formatter{
		owner: owner,
		lf: &log.TextFormatter{
			ForceColors:     true,
			FullTimestamp:   true,
			TimestampFormat: time.StampMilli,
		},
	})

	mu.Lock()
	defer mu.Unlock()
	logger.SetLevel(level)
	if output != nil {
		logger.SetOutput(output)
	}
	loggers = append(loggers, logger)
	return logger
}

// SetLevel parses lvl and applies it to every logger created so far and to
// the ones created afterwards.
func SetLevel(lvl string) error {
	parsed, err := log.ParseLevel(lvl)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	level = parsed
	for _, l := range loggers {
		l.SetLevel(parsed)
	}
	return nil
}

// SetOutput redirects every logger created by this package.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	for _, l := range loggers {
		l.SetOutput(w)
	}
}
