/* Copyright (c) 2024 Atlassian US, Inc.
 * SPDX-License-Identifier: Apache-2.0 */
package http

import (
    "github.com/atlassian-labs/issue-status-helper/internal/config"
    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc service, store blobStore) *gin.Engine {
    if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
    r := gin.New()
    r.Use(gin.Recovery())
    r.Use(func(c *gin.Context){
        c.Next()
        log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
    })

    h := NewHandlers(cfg, log, svc, store)

    r.GET("/healthz", h.Healthz)
    r.POST("/webhook/jira/:secret", h.JiraWebhook)
    r.GET("/admin/config/:key", h.GetConfig)
    r.PUT("/admin/config/:key", h.PutConfig)

    return r
}
