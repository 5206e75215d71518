package repo

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/atlassian-labs/issue-status-helper/internal/config"
    "github.com/atlassian-labs/issue-status-helper/internal/domain"
    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/rs/zerolog"
)

// Storage keys for the global configuration records.
const (
    CommonPreferredStatusesKey = "COMMON_PREFERRED_STATUSES"
    StartAndEndFieldsKey       = "START_AND_END_FIELDS"
    SupportedProjectsKey       = "SUPPORTED_PROJECTS"
)

// ProjectPreferencesKey returns the storage key holding a project's preferences.
func ProjectPreferencesKey(projectID string) string {
    return fmt.Sprintf("PROJECT:%s-PREFERENCES", projectID)
}

// ProjectIssueTypeStatusesKey returns the storage key holding the preferred
// statuses for one project and issue type.
func ProjectIssueTypeStatusesKey(projectID, issueTypeID string) string {
    return fmt.Sprintf("PROJECT:%s-ISSUETYPE:%s", projectID, issueTypeID)
}

type DB struct {
    Pool *pgxpool.Pool
    log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
    pool, err := pgxpool.New(ctx, cfg.DBDSN)
    if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
    ctx2, cancel := context.WithTimeout(ctx, 10*time.Second); defer cancel()
    if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
    db := &DB{Pool: pool, log: log}
    if err := db.ensureSchema(ctx); err != nil { log.Fatal().Err(err).Msg("db schema failed") }
    return db
}

func (d *DB) Close() { d.Pool.Close() }

func (d *DB) ensureSchema(ctx context.Context) error {
    const q = `
        CREATE TABLE IF NOT EXISTS config_blobs(
            key        TEXT PRIMARY KEY,
            value      JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`
    _, err := d.Pool.Exec(ctx, q)
    return err
}

// Repository is the key-value configuration store. Records are small JSON
// blobs with last-writer-wins semantics; there is no deletion path.
type Repository struct {
    db  *DB
    log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

// GetBlob returns the stored blob for key, or nil when no record exists.
func (r *Repository) GetBlob(ctx context.Context, key string) ([]byte, error) {
    var value []byte
    err := r.db.Pool.QueryRow(ctx, `SELECT value FROM config_blobs WHERE key=$1`, key).Scan(&value)
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return value, nil
}

// SetBlob upserts the blob for key. Last writer wins.
func (r *Repository) SetBlob(ctx context.Context, key string, value []byte) error {
    if !json.Valid(value) { return fmt.Errorf("repo: value for %s is not valid JSON", key) }
    const q = `
        INSERT INTO config_blobs(key, value, updated_at) VALUES($1, $2, now())
        ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
    _, err := r.db.Pool.Exec(ctx, q, key, value)
    return err
}

func (r *Repository) getJSON(ctx context.Context, key string, out any) (bool, error) {
    blob, err := r.GetBlob(ctx, key)
    if err != nil { return false, err }
    if blob == nil { return false, nil }
    if err := json.Unmarshal(blob, out); err != nil {
        // malformed configuration is treated as absent, not fatal
        r.log.Error().Err(err).Str("key", key).Msg("config blob is not decodable")
        return false, nil
    }
    return true, nil
}

// ProjectPreferences loads a project's preferences. An absent record yields
// the zero value, whose defaults are comments on and all features off.
func (r *Repository) ProjectPreferences(ctx context.Context, projectID string) (domain.ProjectPreferences, error) {
    var prefs domain.ProjectPreferences
    _, err := r.getJSON(ctx, ProjectPreferencesKey(projectID), &prefs)
    return prefs, err
}

// PreferredStatuses loads the issue-type-specific preferred status mapping,
// or nil when none is configured.
func (r *Repository) PreferredStatuses(ctx context.Context, projectID, issueTypeID string) (domain.PreferredStatuses, error) {
    var raw map[string]string
    ok, err := r.getJSON(ctx, ProjectIssueTypeStatusesKey(projectID, issueTypeID), &raw)
    if err != nil || !ok { return nil, err }
    return domain.DecodePreferredStatuses(raw), nil
}

// DefaultPreferredStatuses loads the global preferred status mapping, or nil
// when none is configured.
func (r *Repository) DefaultPreferredStatuses(ctx context.Context) (domain.PreferredStatuses, error) {
    var raw map[string]string
    ok, err := r.getJSON(ctx, CommonPreferredStatusesKey, &raw)
    if err != nil || !ok { return nil, err }
    return domain.DecodePreferredStatuses(raw), nil
}

// PreferredDateFields loads the global start/end date field configuration, or
// nil when none is configured.
func (r *Repository) PreferredDateFields(ctx context.Context) (*domain.PreferredDateFields, error) {
    var fields domain.PreferredDateFields
    ok, err := r.getJSON(ctx, StartAndEndFieldsKey, &fields)
    if err != nil || !ok { return nil, err }
    return &fields, nil
}

// IsProjectSupported reports whether the project is enabled for automation.
// Projects are opt-in: absent configuration means unsupported.
func (r *Repository) IsProjectSupported(ctx context.Context, projectID string) (bool, error) {
    var projects domain.SupportedProjects
    ok, err := r.getJSON(ctx, SupportedProjectsKey, &projects)
    if err != nil || !ok { return false, err }
    p, found := projects[projectID]
    return found && p.IsSupported, nil
}
