package sync

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// runLogger appends timestamped lines to a rotating log file in the
// data directory. Sync runs from hooks and scripts have no terminal,
// so the log is the only durable trace of what a run did.
type runLogger struct {
	out *lumberjack.Logger
}

func newRunLogger(path string) *runLogger {
	return &runLogger{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    getEnvInt("TBD_SYNC_LOG_MAX_SIZE", 10),
			MaxBackups: getEnvInt("TBD_SYNC_LOG_MAX_BACKUPS", 3),
			MaxAge:     getEnvInt("TBD_SYNC_LOG_MAX_AGE", 7),
			Compress:   true,
		},
	}
}

func (l *runLogger) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	_, _ = fmt.Fprintf(l.out, "[%s] %s\n", timestamp, msg)
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
