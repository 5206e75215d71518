/* Copyright (c) 2024 Atlassian US, Inc.
 * SPDX-License-Identifier: Apache-2.0 */
package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/atlassian-labs/issue-status-helper/internal/adapters/jira"
    "github.com/atlassian-labs/issue-status-helper/internal/config"
    httpx "github.com/atlassian-labs/issue-status-helper/internal/http"
    "github.com/atlassian-labs/issue-status-helper/internal/logger"
    "github.com/atlassian-labs/issue-status-helper/internal/repo"
    "github.com/atlassian-labs/issue-status-helper/internal/services"
)

func main() {
    cfg := config.Load()
    log := logger.New(cfg)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    // Config store
    db := repo.MustOpen(ctx, cfg, log)
    defer db.Close()
    repository := repo.NewRepository(db, log)

    // Adapters
    jc := jira.NewClient(cfg, log)

    // Services
    svc := services.New(log, repository, jc)

    // HTTP server (Gin)
    router := httpx.NewRouter(cfg, log, svc, repository)

    errCh := make(chan error, 1)
    go func() { errCh <- router.Run(cfg.HTTPAddr) }()
    log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

    select {
    case <-sigCh:
        log.Info().Msg("shutting down...")
    case err := <-errCh:
        if err != nil { log.Error().Err(err).Msg("http server error") }
    }

    // let in-flight event handlers finish their current call
    time.Sleep(500 * time.Millisecond)
}
