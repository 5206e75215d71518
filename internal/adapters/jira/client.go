/* Copyright (c) 2024 Atlassian US, Inc.
 * SPDX-License-Identifier: Apache-2.0 */
package jira

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/atlassian-labs/issue-status-helper/internal/config"
    "github.com/atlassian-labs/issue-status-helper/internal/domain"
    "github.com/rs/zerolog"
)

type Client struct {
    baseURL     string
    token       string
    user        string
    pass        string
    sprintField string
    http        *http.Client
    log         zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
    return &Client{
        baseURL:     cfg.JiraBaseURL,
        token:       cfg.JiraPAT,
        user:        cfg.JiraUsername,
        pass:        cfg.JiraPassword,
        sprintField: cfg.JiraSprintFieldID,
        http:        &http.Client{ Timeout: cfg.HTTPTimeout },
        log:         log,
    }
}

func (c *Client) apiURL(path string, q url.Values) string {
    base := strings.TrimRight(c.baseURL, "/")
    if !strings.HasPrefix(path, "/") { path = "/" + path }
    u := base + path
    if len(q) > 0 { u = u + "?" + q.Encode() }
    return u
}

// do performs one request with retry on 429/5xx and decodes the response body
// into out (skipped for 204 responses or a nil out).
func (c *Client) do(ctx context.Context, method, u string, body any, out any) error {
    if c.baseURL == "" { return errors.New("jira: empty baseURL") }
    var payload []byte
    if body != nil {
        b, err := json.Marshal(body)
        if err != nil { return err }
        payload = b
    }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        var r io.Reader
        if payload != nil { r = strings.NewReader(string(payload)) }
        req, err := http.NewRequestWithContext(ctx, method, u, r)
        if err != nil { return err }
        req.Header.Set("Accept", "application/json")
        if payload != nil { req.Header.Set("Content-Type", "application/json") }
        if c.token != "" {
            req.Header.Set("Authorization", "Bearer "+c.token)
        } else if c.user != "" && c.pass != "" {
            req.SetBasicAuth(c.user, c.pass)
        }
        resp, err := c.http.Do(req)
        if err != nil { lastErr = err } else {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            if rerr != nil { return rerr }
            if resp.StatusCode >= 300 {
                apiErr := fmt.Errorf("jira api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
                // retry on 429/5xx
                if resp.StatusCode == 429 || resp.StatusCode >= 500 {
                    lastErr = apiErr
                } else {
                    return apiErr
                }
            } else {
                if out == nil || resp.StatusCode == http.StatusNoContent || len(b) == 0 { return nil }
                return json.Unmarshal(b, out)
            }
        }
        time.Sleep(time.Duration(300*(1<<attempt)) * time.Millisecond)
    }
    return lastErr
}

// rawIssue is the wire shape of an issue; fields stay raw so custom fields can
// be extracted by id.
type rawIssue struct {
    ID     string                     `json:"id"`
    Key    string                     `json:"key"`
    Fields map[string]json.RawMessage `json:"fields"`
}

type rawStatus struct {
    ID             string `json:"id"`
    Name           string `json:"name"`
    StatusCategory struct {
        Name string `json:"name"`
    } `json:"statusCategory"`
}

type rawSprint struct {
    ID           int64  `json:"id"`
    Name         string `json:"name"`
    State        string `json:"state"`
    StartDate    string `json:"startDate"`
    EndDate      string `json:"endDate"`
    CompleteDate string `json:"completeDate"`
}

func (s rawSprint) toDomain() *domain.Sprint {
    return &domain.Sprint{
        ID:           s.ID,
        Name:         s.Name,
        State:        domain.SprintState(s.State),
        StartDate:    s.StartDate,
        EndDate:      s.EndDate,
        CompleteDate: s.CompleteDate,
    }
}

func (s rawStatus) toDomain() domain.Status {
    return domain.Status{ID: s.ID, Name: s.Name, Category: domain.StatusCategory(s.StatusCategory.Name)}
}

func (c *Client) issueFromRaw(ri rawIssue) *domain.Issue {
    issue := &domain.Issue{ID: ri.ID, Key: ri.Key, Custom: map[string]*string{}}
    for name, raw := range ri.Fields {
        switch name {
        case "summary":
            _ = json.Unmarshal(raw, &issue.Summary)
        case "project":
            var p struct {
                ID   string `json:"id"`
                Key  string `json:"key"`
                Name string `json:"name"`
            }
            if err := json.Unmarshal(raw, &p); err == nil {
                issue.Project = domain.Project{ID: p.ID, Key: p.Key, Name: p.Name}
            }
        case "issuetype":
            var it struct {
                ID   string `json:"id"`
                Name string `json:"name"`
            }
            if err := json.Unmarshal(raw, &it); err == nil {
                issue.IssueType = domain.IssueType{ID: it.ID, Name: it.Name}
            }
        case "status":
            var st rawStatus
            if err := json.Unmarshal(raw, &st); err == nil { issue.Status = st.toDomain() }
        case "parent":
            var p struct {
                ID  string `json:"id"`
                Key string `json:"key"`
            }
            if err := json.Unmarshal(raw, &p); err == nil && p.ID != "" {
                issue.Parent = &domain.IssueRef{ID: p.ID, Key: p.Key}
            }
        case c.sprintField:
            var sprints []rawSprint
            if err := json.Unmarshal(raw, &sprints); err == nil && len(sprints) > 0 {
                issue.Sprint = sprints[0].toDomain()
            }
        default:
            if !strings.HasPrefix(name, "customfield_") { continue }
            // keep string-valued custom fields (date fields are date strings)
            if string(raw) == "null" {
                issue.Custom[name] = nil
                continue
            }
            var sv string
            if err := json.Unmarshal(raw, &sv); err == nil {
                v := sv
                issue.Custom[name] = &v
            }
        }
    }
    return issue
}

// Issue fetches a single issue by id or key.
func (c *Client) Issue(ctx context.Context, idOrKey string) (*domain.Issue, error) {
    if idOrKey == "" { return nil, errors.New("jira: empty issue id or key") }
    u := c.apiURL("/rest/api/2/issue/"+url.PathEscape(idOrKey), nil)
    var ri rawIssue
    if err := c.do(ctx, http.MethodGet, u, nil, &ri); err != nil { return nil, err }
    return c.issueFromRaw(ri), nil
}

// Status fetches a status by id, including its category.
func (c *Client) Status(ctx context.Context, statusID string) (*domain.Status, error) {
    if statusID == "" { return nil, errors.New("jira: empty status id") }
    u := c.apiURL("/rest/api/2/status/"+url.PathEscape(statusID), nil)
    var rs rawStatus
    if err := c.do(ctx, http.MethodGet, u, nil, &rs); err != nil { return nil, err }
    st := rs.toDomain()
    return &st, nil
}

// Transitions lists the workflow transitions of an issue.
func (c *Client) Transitions(ctx context.Context, idOrKey string) ([]domain.Transition, error) {
    if idOrKey == "" { return nil, errors.New("jira: empty issue id or key") }
    u := c.apiURL("/rest/api/2/issue/"+url.PathEscape(idOrKey)+"/transitions", nil)
    var out struct {
        Transitions []struct {
            ID          string    `json:"id"`
            Name        string    `json:"name"`
            To          rawStatus `json:"to"`
            HasScreen   bool      `json:"hasScreen"`
            IsAvailable bool      `json:"isAvailable"`
        } `json:"transitions"`
    }
    if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil { return nil, err }
    transitions := make([]domain.Transition, 0, len(out.Transitions))
    for _, t := range out.Transitions {
        transitions = append(transitions, domain.Transition{
            ID:          t.ID,
            Name:        t.Name,
            To:          t.To.toDomain(),
            IsAvailable: t.IsAvailable,
            HasScreen:   t.HasScreen,
        })
    }
    return transitions, nil
}

// DoTransition performs the transition with the supplied id.
func (c *Client) DoTransition(ctx context.Context, idOrKey, transitionID string) error {
    if idOrKey == "" { return errors.New("jira: empty issue id or key") }
    u := c.apiURL("/rest/api/2/issue/"+url.PathEscape(idOrKey)+"/transitions", nil)
    body := map[string]any{"transition": map[string]any{"id": transitionID}}
    return c.do(ctx, http.MethodPost, u, body, nil)
}

// UpdateFields writes field values on an issue. A nil value clears the field.
func (c *Client) UpdateFields(ctx context.Context, idOrKey string, fields map[string]any) error {
    if idOrKey == "" { return errors.New("jira: empty issue id or key") }
    if len(fields) == 0 { return nil }
    u := c.apiURL("/rest/api/3/issue/"+url.PathEscape(idOrKey), nil)
    return c.do(ctx, http.MethodPut, u, map[string]any{"fields": fields}, nil)
}

// AddComment posts a plain-text comment as an Atlassian document.
func (c *Client) AddComment(ctx context.Context, idOrKey, comment string) error {
    if idOrKey == "" { return errors.New("jira: empty issue id or key") }
    u := c.apiURL("/rest/api/3/issue/"+url.PathEscape(idOrKey)+"/comment", nil)
    body := map[string]any{
        "body": map[string]any{
            "type":    "doc",
            "version": 1,
            "content": []any{
                map[string]any{
                    "type":    "paragraph",
                    "content": []any{map[string]any{"type": "text", "text": comment}},
                },
            },
        },
    }
    return c.do(ctx, http.MethodPost, u, body, nil)
}

// ChildIssues returns the direct children of the supplied parent.
func (c *Client) ChildIssues(ctx context.Context, parentKey string) ([]domain.Issue, error) {
    if parentKey == "" { return nil, errors.New("jira: empty parent key") }
    q := url.Values{}
    q.Set("jql", "parent="+parentKey)
    u := c.apiURL("/rest/api/2/search", q)
    var out struct {
        Issues []rawIssue `json:"issues"`
    }
    if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil { return nil, err }
    issues := make([]domain.Issue, 0, len(out.Issues))
    for _, ri := range out.Issues { issues = append(issues, *c.issueFromRaw(ri)) }
    return issues, nil
}

// CustomField looks up custom field metadata (id and display name) by id.
func (c *Client) CustomField(ctx context.Context, fieldID string) (*domain.CustomField, error) {
    if fieldID == "" { return nil, errors.New("jira: empty field id") }
    q := url.Values{}
    q.Set("id", fieldID)
    u := c.apiURL("/rest/api/3/field/search", q)
    var out struct {
        Values []struct {
            ID   string `json:"id"`
            Name string `json:"name"`
        } `json:"values"`
    }
    if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil { return nil, err }
    if len(out.Values) == 0 { return nil, nil }
    return &domain.CustomField{ID: out.Values[0].ID, Name: out.Values[0].Name}, nil
}

// Sprint fetches a sprint via the Agile API.
func (c *Client) Sprint(ctx context.Context, sprintID int64) (*domain.Sprint, error) {
    if sprintID <= 0 { return nil, errors.New("jira: invalid sprint id") }
    u := c.apiURL("/rest/agile/1.0/sprint/"+strconv.FormatInt(sprintID, 10), nil)
    var rs rawSprint
    if err := c.do(ctx, http.MethodGet, u, nil, &rs); err != nil { return nil, err }
    return rs.toDomain(), nil
}
