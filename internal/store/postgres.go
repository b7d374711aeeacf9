package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/db"
	"github.com/herdsync/herdsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg config.PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg.MaxConns > 0 {
		maxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		minConns = poolCfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests to substitute
// pgxmock for a live connection.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	crm_base_url      TEXT NOT NULL,
	crm_client_id     TEXT NOT NULL,
	crm_client_secret TEXT NOT NULL,
	crm_tenant_id     TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_mappings (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL REFERENCES tenants(id),
	entity_type TEXT NOT NULL,
	entity_set  TEXT NOT NULL,
	fields      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	UNIQUE(tenant_id, entity_type)
);

CREATE TABLE IF NOT EXISTS recordings (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL REFERENCES tenants(id),
	entity_type           TEXT NOT NULL,
	filename              TEXT NOT NULL,
	audio_path            TEXT NOT NULL,
	content_type          TEXT,
	file_size             BIGINT,
	status                TEXT NOT NULL DEFAULT 'uploaded',
	transcript            TEXT,
	transcript_confidence DOUBLE PRECISION,
	extracted_data        JSONB,
	extraction_confidence DOUBLE PRECISION,
	payload               JSONB,
	external_id           TEXT,
	last_error            JSONB,
	claim_token           TEXT,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL,
	processed_at          TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status);
CREATE INDEX IF NOT EXISTS idx_recordings_tenant_id ON recordings(tenant_id);
CREATE INDEX IF NOT EXISTS idx_schema_mappings_tenant_id ON schema_mappings(tenant_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Recordings ---

func (s *PostgresStore) CreateRecording(ctx context.Context, rec *model.Recording) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.StatusUploaded
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO recordings (id, tenant_id, entity_type, filename, audio_path, content_type, file_size, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.TenantID, rec.EntityType, rec.Filename, rec.AudioPath,
		rec.ContentType, rec.FileSize, string(rec.Status), now, now,
	)
	return eris.Wrap(err, "postgres: insert recording")
}

func (s *PostgresStore) GetRecording(ctx context.Context, id string) (*model.Recording, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrRecordingNotFound, "postgres: get recording %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get recording")
	}
	return rec, nil
}

func (s *PostgresStore) ListRecordings(ctx context.Context, filter RecordingFilter) ([]model.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += ` AND tenant_id = $1`
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recordings")
	}
	defer rows.Close()

	var recs []model.Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan recording")
		}
		recs = append(recs, *r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list recordings iterate")
}

func (s *PostgresStore) ClaimRecording(ctx context.Context, id string, from, to model.RecordingStatus, token string, cutoff time.Time) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE recordings SET status = $1, claim_token = $2, updated_at = $3
		 WHERE id = $4 AND status = $5 AND (claim_token IS NULL OR claim_token = '' OR updated_at <= $6)`,
		string(to), token, time.Now().UTC(), id, string(from), cutoff.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: claim recording %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRecording(ctx, id); getErr != nil {
			return getErr
		}
		return eris.Wrapf(ErrStatusConflict, "postgres: claim recording %s %s→%s", id, from, to)
	}
	return nil
}

func (s *PostgresStore) SaveTranscript(ctx context.Context, id, token, text string, confidence float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recordings SET transcript = $1, transcript_confidence = $2, status = $3, claim_token = NULL, updated_at = $4
		 WHERE id = $5 AND claim_token = $6`,
		text, confidence, string(model.StatusTranscribed), time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save transcript %s", id)
	}
	return s.checkClaimedWrite(ctx, tag.RowsAffected(), id)
}

func (s *PostgresStore) SaveExtraction(ctx context.Context, id, token string, data map[string]any, confidence float64) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extracted data")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE recordings SET extracted_data = $1, extraction_confidence = $2, status = $3, claim_token = NULL, updated_at = $4
		 WHERE id = $5 AND claim_token = $6`,
		string(dataJSON), confidence, string(model.StatusProcessing), time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save extraction %s", id)
	}
	return s.checkClaimedWrite(ctx, tag.RowsAffected(), id)
}

func (s *PostgresStore) SavePayload(ctx context.Context, id, token string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE recordings SET payload = $1, status = $2, claim_token = NULL, updated_at = $3
		 WHERE id = $4 AND claim_token = $5`,
		string(payloadJSON), string(model.StatusSyncing), time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save payload %s", id)
	}
	return s.checkClaimedWrite(ctx, tag.RowsAffected(), id)
}

func (s *PostgresStore) SaveSyncResult(ctx context.Context, id, token, externalID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE recordings SET external_id = $1, status = $2, processed_at = $3, claim_token = NULL, updated_at = $4
		 WHERE id = $5 AND claim_token = $6`,
		externalID, string(model.StatusSynced), now, now, id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save sync result %s", id)
	}
	return s.checkClaimedWrite(ctx, tag.RowsAffected(), id)
}

func (s *PostgresStore) SaveError(ctx context.Context, id, token string, stepErr *model.StepError) error {
	errJSON, err := json.Marshal(stepErr)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal step error")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE recordings SET last_error = $1, status = $2, claim_token = NULL, updated_at = $3
		 WHERE id = $4 AND claim_token = $5`,
		string(errJSON), string(model.StatusError), time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save error %s", id)
	}
	return s.checkClaimedWrite(ctx, tag.RowsAffected(), id)
}

func (s *PostgresStore) ResetRecording(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recordings SET status = $1, transcript = NULL, transcript_confidence = NULL,
			extracted_data = NULL, extraction_confidence = NULL, payload = NULL,
			external_id = NULL, last_error = NULL, processed_at = NULL, claim_token = NULL,
			updated_at = $2 WHERE id = $3`,
		string(model.StatusUploaded), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset recording %s", id)
	}
	return checkTagAffected(tag.RowsAffected(), id)
}

// --- Tenants ---

func (s *PostgresStore) CreateTenant(ctx context.Context, t *model.Tenant) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, is_active, crm_base_url, crm_client_id, crm_client_secret, crm_tenant_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, t.IsActive, t.CRMBaseURL, t.CRMClientID, t.CRMClientSecret, t.CRMTenantID, now, now,
	)
	return eris.Wrap(err, "postgres: insert tenant")
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, is_active, crm_base_url, crm_client_id, crm_client_secret, crm_tenant_id, created_at, updated_at
		 FROM tenants WHERE id = $1`, id)

	var t model.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.IsActive, &t.CRMBaseURL, &t.CRMClientID, &t.CRMClientSecret, &t.CRMTenantID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrTenantNotFound, "postgres: get tenant %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get tenant")
	}
	return &t, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, is_active, crm_base_url, crm_client_id, crm_client_secret, crm_tenant_id, created_at, updated_at
		 FROM tenants ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tenants")
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.IsActive, &t.CRMBaseURL, &t.CRMClientID, &t.CRMClientSecret, &t.CRMTenantID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tenant")
		}
		tenants = append(tenants, t)
	}
	return tenants, eris.Wrap(rows.Err(), "postgres: list tenants iterate")
}

// --- Schema mappings ---

func (s *PostgresStore) UpsertSchemaMapping(ctx context.Context, m *model.SchemaMapping) error {
	now := time.Now().UTC()
	fieldsJSON, err := json.Marshal(m.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fields")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO schema_mappings (id, tenant_id, entity_type, entity_set, fields, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, entity_type) DO UPDATE SET
			entity_set = EXCLUDED.entity_set,
			fields     = EXCLUDED.fields,
			updated_at = EXCLUDED.updated_at`,
		m.ID, m.TenantID, m.EntityType, m.EntitySet, string(fieldsJSON), now, now,
	)
	return eris.Wrap(err, "postgres: upsert schema mapping")
}

func (s *PostgresStore) GetSchemaMapping(ctx context.Context, tenantID, entityType string) (*model.SchemaMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, entity_type, entity_set, fields, created_at, updated_at
		 FROM schema_mappings WHERE tenant_id = $1 AND entity_type = $2`,
		tenantID, entityType)

	m, err := scanSchemaMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrSchemaMappingNotFound, "postgres: get schema mapping %s/%s", tenantID, entityType)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get schema mapping")
	}
	return m, nil
}

func (s *PostgresStore) ListSchemaMappings(ctx context.Context, tenantID string) ([]model.SchemaMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, entity_type, entity_set, fields, created_at, updated_at
		 FROM schema_mappings WHERE tenant_id = $1 ORDER BY entity_type`,
		tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list schema mappings")
	}
	defer rows.Close()

	var mappings []model.SchemaMapping
	for rows.Next() {
		m, err := scanSchemaMapping(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan schema mapping")
		}
		mappings = append(mappings, *m)
	}
	return mappings, eris.Wrap(rows.Err(), "postgres: list schema mappings iterate")
}

// --- helpers ---

func checkTagAffected(n int64, id string) error {
	if n == 0 {
		return eris.Wrapf(ErrRecordingNotFound, "recording %s", id)
	}
	return nil
}

// checkClaimedWrite tells a lost claim apart from a missing recording when
// a token-conditional write matched no rows.
func (s *PostgresStore) checkClaimedWrite(ctx context.Context, n int64, id string) error {
	if n > 0 {
		return nil
	}
	if _, getErr := s.GetRecording(ctx, id); getErr != nil {
		return getErr
	}
	return eris.Wrapf(ErrStatusConflict, "postgres: recording %s claim lost", id)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
