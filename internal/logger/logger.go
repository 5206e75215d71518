package logger

import (
    "io"
    "os"
    "time"

    "github.com/atlassian-labs/issue-status-helper/internal/config"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
)

const serviceName = "issue-status-helper"

// New builds the process logger and seeds the global one. Dev gets a console
// writer, everything else JSON lines.
func New(cfg config.Config) zerolog.Logger {
    zerolog.TimeFieldFormat = time.RFC3339
    var out io.Writer = os.Stdout
    if cfg.AppEnv == "dev" {
        out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
    }
    logger := zerolog.New(out).With().Timestamp().Str("service", serviceName).Logger()
    log.Logger = logger
    return logger
}
