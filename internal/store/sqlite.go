package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/herdsync/herdsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	is_active         INTEGER NOT NULL DEFAULT 1,
	crm_base_url      TEXT NOT NULL,
	crm_client_id     TEXT NOT NULL,
	crm_client_secret TEXT NOT NULL,
	crm_tenant_id     TEXT NOT NULL,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_mappings (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL REFERENCES tenants(id),
	entity_type TEXT NOT NULL,
	entity_set  TEXT NOT NULL,
	fields      TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	UNIQUE(tenant_id, entity_type)
);

CREATE TABLE IF NOT EXISTS recordings (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL REFERENCES tenants(id),
	entity_type           TEXT NOT NULL,
	filename              TEXT NOT NULL,
	audio_path            TEXT NOT NULL,
	content_type          TEXT,
	file_size             INTEGER,
	status                TEXT NOT NULL DEFAULT 'uploaded',
	transcript            TEXT,
	transcript_confidence REAL,
	extracted_data        TEXT,
	extraction_confidence REAL,
	payload               TEXT,
	external_id           TEXT,
	last_error            TEXT,
	claim_token           TEXT,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL,
	processed_at          DATETIME
);

CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status);
CREATE INDEX IF NOT EXISTS idx_recordings_tenant_id ON recordings(tenant_id);
CREATE INDEX IF NOT EXISTS idx_schema_mappings_tenant_id ON schema_mappings(tenant_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Recordings ---

const recordingColumns = `id, tenant_id, entity_type, filename, audio_path, content_type, file_size,
	status, transcript, transcript_confidence, extracted_data, extraction_confidence,
	payload, external_id, last_error, created_at, updated_at, processed_at`

func (s *SQLiteStore) CreateRecording(ctx context.Context, rec *model.Recording) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.StatusUploaded
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (id, tenant_id, entity_type, filename, audio_path, content_type, file_size, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.EntityType, rec.Filename, rec.AudioPath,
		rec.ContentType, rec.FileSize, string(rec.Status), now, now,
	)
	return eris.Wrap(err, "sqlite: insert recording")
}

func (s *SQLiteStore) GetRecording(ctx context.Context, id string) (*model.Recording, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrRecordingNotFound, "sqlite: get recording %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get recording")
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecordings(ctx context.Context, filter RecordingFilter) ([]model.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recordings")
	}
	defer rows.Close()

	var recs []model.Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan recording")
		}
		recs = append(recs, *r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list recordings iterate")
}

func (s *SQLiteStore) ClaimRecording(ctx context.Context, id string, from, to model.RecordingStatus, token string, cutoff time.Time) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET status = ?, claim_token = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND (claim_token IS NULL OR claim_token = '' OR updated_at <= ?)`,
		string(to), token, time.Now().UTC(), id, string(from), cutoff.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: claim recording %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, getErr := s.GetRecording(ctx, id); getErr != nil {
			return getErr
		}
		return eris.Wrapf(ErrStatusConflict, "sqlite: claim recording %s %s→%s", id, from, to)
	}
	return nil
}

func (s *SQLiteStore) SaveTranscript(ctx context.Context, id, token, text string, confidence float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET transcript = ?, transcript_confidence = ?, status = ?, claim_token = NULL, updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		text, confidence, string(model.StatusTranscribed), time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save transcript %s", id)
	}
	return s.checkClaimedWrite(ctx, res, id)
}

func (s *SQLiteStore) SaveExtraction(ctx context.Context, id, token string, data map[string]any, confidence float64) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extracted data")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET extracted_data = ?, extraction_confidence = ?, status = ?, claim_token = NULL, updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		string(dataJSON), confidence, string(model.StatusProcessing), time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save extraction %s", id)
	}
	return s.checkClaimedWrite(ctx, res, id)
}

func (s *SQLiteStore) SavePayload(ctx context.Context, id, token string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET payload = ?, status = ?, claim_token = NULL, updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		string(payloadJSON), string(model.StatusSyncing), time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save payload %s", id)
	}
	return s.checkClaimedWrite(ctx, res, id)
}

func (s *SQLiteStore) SaveSyncResult(ctx context.Context, id, token, externalID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET external_id = ?, status = ?, processed_at = ?, claim_token = NULL, updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		externalID, string(model.StatusSynced), now, now, id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save sync result %s", id)
	}
	return s.checkClaimedWrite(ctx, res, id)
}

func (s *SQLiteStore) SaveError(ctx context.Context, id, token string, stepErr *model.StepError) error {
	errJSON, err := json.Marshal(stepErr)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal step error")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET last_error = ?, status = ?, claim_token = NULL, updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		string(errJSON), string(model.StatusError), time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save error %s", id)
	}
	return s.checkClaimedWrite(ctx, res, id)
}

func (s *SQLiteStore) ResetRecording(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET status = ?, transcript = NULL, transcript_confidence = NULL,
			extracted_data = NULL, extraction_confidence = NULL, payload = NULL,
			external_id = NULL, last_error = NULL, processed_at = NULL, claim_token = NULL,
			updated_at = ? WHERE id = ?`,
		string(model.StatusUploaded), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset recording %s", id)
	}
	return checkRowsAffected(res, id)
}

// --- Tenants ---

func (s *SQLiteStore) CreateTenant(ctx context.Context, t *model.Tenant) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, is_active, crm_base_url, crm_client_id, crm_client_secret, crm_tenant_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.IsActive, t.CRMBaseURL, t.CRMClientID, t.CRMClientSecret, t.CRMTenantID, now, now,
	)
	return eris.Wrap(err, "sqlite: insert tenant")
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_active, crm_base_url, crm_client_id, crm_client_secret, crm_tenant_id, created_at, updated_at
		 FROM tenants WHERE id = ?`, id)

	var t model.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.IsActive, &t.CRMBaseURL, &t.CRMClientID, &t.CRMClientSecret, &t.CRMTenantID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrTenantNotFound, "sqlite: get tenant %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get tenant")
	}
	return &t, nil
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, is_active, crm_base_url, crm_client_id, crm_client_secret, crm_tenant_id, created_at, updated_at
		 FROM tenants ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tenants")
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.IsActive, &t.CRMBaseURL, &t.CRMClientID, &t.CRMClientSecret, &t.CRMTenantID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tenant")
		}
		tenants = append(tenants, t)
	}
	return tenants, eris.Wrap(rows.Err(), "sqlite: list tenants iterate")
}

// --- Schema mappings ---

func (s *SQLiteStore) UpsertSchemaMapping(ctx context.Context, m *model.SchemaMapping) error {
	now := time.Now().UTC()
	fieldsJSON, err := json.Marshal(m.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fields")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schema_mappings (id, tenant_id, entity_type, entity_set, fields, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, entity_type) DO UPDATE SET
			entity_set = excluded.entity_set,
			fields     = excluded.fields,
			updated_at = excluded.updated_at`,
		m.ID, m.TenantID, m.EntityType, m.EntitySet, string(fieldsJSON), now, now,
	)
	return eris.Wrap(err, "sqlite: upsert schema mapping")
}

func (s *SQLiteStore) GetSchemaMapping(ctx context.Context, tenantID, entityType string) (*model.SchemaMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, entity_type, entity_set, fields, created_at, updated_at
		 FROM schema_mappings WHERE tenant_id = ? AND entity_type = ?`,
		tenantID, entityType)

	m, err := scanSchemaMapping(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrSchemaMappingNotFound, "sqlite: get schema mapping %s/%s", tenantID, entityType)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get schema mapping")
	}
	return m, nil
}

func (s *SQLiteStore) ListSchemaMappings(ctx context.Context, tenantID string) ([]model.SchemaMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, entity_type, entity_set, fields, created_at, updated_at
		 FROM schema_mappings WHERE tenant_id = ? ORDER BY entity_type`,
		tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list schema mappings")
	}
	defer rows.Close()

	var mappings []model.SchemaMapping
	for rows.Next() {
		m, err := scanSchemaMapping(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan schema mapping")
		}
		mappings = append(mappings, *m)
	}
	return mappings, eris.Wrap(rows.Err(), "sqlite: list schema mappings iterate")
}

// --- helpers ---

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRecordingNotFound, "recording %s", id)
	}
	return nil
}

// checkClaimedWrite tells a lost claim apart from a missing recording when
// a token-conditional write matched no rows.
func (s *SQLiteStore) checkClaimedWrite(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, getErr := s.GetRecording(ctx, id); getErr != nil {
		return getErr
	}
	return eris.Wrapf(ErrStatusConflict, "sqlite: recording %s claim lost", id)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecording(row scannable) (*model.Recording, error) {
	var r model.Recording
	var contentType, transcript, extractedJSON, payloadJSON, externalID, errJSON sql.NullString
	var fileSize sql.NullInt64
	var tConf, eConf sql.NullFloat64
	var processedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.TenantID, &r.EntityType, &r.Filename, &r.AudioPath, &contentType, &fileSize,
		&r.Status, &transcript, &tConf, &extractedJSON, &eConf,
		&payloadJSON, &externalID, &errJSON, &r.CreatedAt, &r.UpdatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ContentType = contentType.String
	r.FileSize = fileSize.Int64
	r.Transcript = transcript.String
	r.TranscriptConfidence = tConf.Float64
	r.ExtractionConfidence = eConf.Float64
	r.ExternalID = externalID.String
	if processedAt.Valid {
		t := processedAt.Time
		r.ProcessedAt = &t
	}
	if extractedJSON.Valid && extractedJSON.String != "" {
		if err := json.Unmarshal([]byte(extractedJSON.String), &r.ExtractedData); err != nil {
			return nil, eris.Wrap(err, "unmarshal extracted data")
		}
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &r.Payload); err != nil {
			return nil, eris.Wrap(err, "unmarshal payload")
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		r.LastError = &model.StepError{}
		if err := json.Unmarshal([]byte(errJSON.String), r.LastError); err != nil {
			return nil, eris.Wrap(err, "unmarshal last error")
		}
	}
	return &r, nil
}

func scanSchemaMapping(row scannable) (*model.SchemaMapping, error) {
	var m model.SchemaMapping
	var fieldsJSON string

	err := row.Scan(&m.ID, &m.TenantID, &m.EntityType, &m.EntitySet, &fieldsJSON, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &m.Fields); err != nil {
		return nil, eris.Wrap(err, "unmarshal fields")
	}
	return &m, nil
}
