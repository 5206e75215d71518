/* Copyright (c) 2024 Atlassian US, Inc.
 * SPDX-License-Identifier: Apache-2.0 */
package http

import (
    "context"
    "io"
    "net/http"

    "github.com/atlassian-labs/issue-status-helper/internal/config"
    "github.com/atlassian-labs/issue-status-helper/internal/domain"
    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"
)

type service interface {
    ProcessUpdate(ctx context.Context, event domain.UpdateEvent) error
}

type blobStore interface {
    GetBlob(ctx context.Context, key string) ([]byte, error)
    SetBlob(ctx context.Context, key string, value []byte) error
}

type Handlers struct {
    cfg   config.Config
    log   zerolog.Logger
    svc   service
    store blobStore
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc service, store blobStore) *Handlers {
    return &Handlers{cfg: cfg, log: log, svc: svc, store: store}
}

func (h *Handlers) Healthz(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"ok": true})
}

// webhookPayload is the subset of the Jira issue-updated webhook the engine
// consumes.
type webhookPayload struct {
    Issue struct {
        ID  string `json:"id"`
        Key string `json:"key"`
    } `json:"issue"`
    Changelog struct {
        Items []domain.ChangelogItem `json:"items"`
    } `json:"changelog"`
}

// JiraWebhook accepts an issue-updated event and dispatches it to the engine
// in the background. Delivery is at-least-once; the engine is responsible for
// making redelivery harmless.
func (h *Handlers) JiraWebhook(c *gin.Context) {
    if c.Param("secret") != h.cfg.WebhookSecret {
        c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
        return
    }
    var payload webhookPayload
    if err := c.ShouldBindJSON(&payload); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
        return
    }
    if payload.Issue.ID == "" || len(payload.Changelog.Items) == 0 {
        c.JSON(http.StatusOK, gin.H{"ok": true})
        return
    }
    event := domain.UpdateEvent{
        IssueID:   payload.Issue.ID,
        IssueKey:  payload.Issue.Key,
        Changelog: payload.Changelog.Items,
    }
    // Detach from the request context; each event runs on its own goroutine
    // with no shared state.
    go func() {
        if err := h.svc.ProcessUpdate(context.Background(), event); err != nil {
            h.log.Error().Err(err).Str("issue", event.IssueKey).Msg("event processing failed")
        }
    }()
    c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// Permission checks for the admin surface are the host's concern; these
// endpoints are a thin CRUD layer over the blob store.
func (h *Handlers) GetConfig(c *gin.Context) {
    blob, err := h.store.GetBlob(c.Request.Context(), c.Param("key"))
    if err != nil {
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    if blob == nil {
        c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
        return
    }
    c.Data(http.StatusOK, "application/json", blob)
}

func (h *Handlers) PutConfig(c *gin.Context) {
    blob, err := io.ReadAll(c.Request.Body)
    if err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
        return
    }
    if err := h.store.SetBlob(c.Request.Context(), c.Param("key"), blob); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
        return
    }
    c.JSON(http.StatusOK, gin.H{"ok": true})
}
