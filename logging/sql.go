package logging

import (
	"context"

	"github.com/jackc/pgx/v5/tracelog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type sqlLogger struct {
	log *logrus.Entry
}

func (l *sqlLogger) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	entry := l.log.WithFields(logrus.Fields(data))

	switch level {
	case tracelog.LogLevelTrace:
		entry.Trace(msg)
	case tracelog.LogLevelDebug:
		entry.Debug(msg)
	case tracelog.LogLevelInfo:
		entry.Info(msg)
	case tracelog.LogLevelWarn:
		entry.Warn(msg)
	default:
		entry.Error(msg)
	}
}

// SQLTracer returns a query tracer logging to log at or above level, one of
// trace, debug, info, warn, error or none.
func SQLTracer(log *logrus.Entry, level string) (*tracelog.TraceLog, error) {
	if level == "" {
		level = "warn"
	}

	lvl, err := tracelog.LogLevelFromString(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid sql log level %q", level)
	}

	return &tracelog.TraceLog{Logger: &sqlLogger{log: log}, LogLevel: lvl}, nil
}
