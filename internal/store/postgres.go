package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voice-notes-go/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS "jobs" (
	"id"           TEXT PRIMARY KEY,
	"owner_id"     TEXT NOT NULL,
	"stage"        TEXT NOT NULL,
	"progress"     INTEGER NOT NULL DEFAULT 0,
	"last_error"   TEXT,
	"total_chunks" INTEGER NOT NULL DEFAULT 0,
	"finalized"    BOOLEAN NOT NULL DEFAULT FALSE,
	"reserved"     JSONB NOT NULL DEFAULT '[]',
	"markdown"     TEXT NOT NULL DEFAULT '',
	"note"         JSONB,
	"provenance"   JSONB NOT NULL DEFAULT '{}',
	"created_at"   TIMESTAMPTZ NOT NULL,
	"updated_at"   TIMESTAMPTZ NOT NULL,
	"version"      BIGINT NOT NULL DEFAULT 0
);
ALTER TABLE "jobs" ADD COLUMN IF NOT EXISTS "version" BIGINT NOT NULL DEFAULT 0;
CREATE TABLE IF NOT EXISTS "chunks" (
	"job_id"      TEXT NOT NULL REFERENCES "jobs"("id") ON DELETE CASCADE,
	"index"       INTEGER NOT NULL,
	"data"        BYTEA NOT NULL,
	"mime"        TEXT NOT NULL,
	"filename"    TEXT NOT NULL DEFAULT '',
	"size"        INTEGER NOT NULL,
	"uploaded_at" TIMESTAMPTZ NOT NULL,
	PRIMARY KEY ("job_id", "index")
);
CREATE TABLE IF NOT EXISTS "transcripts" (
	"job_id"     TEXT NOT NULL REFERENCES "jobs"("id") ON DELETE CASCADE,
	"index"      INTEGER NOT NULL,
	"text"       TEXT NOT NULL,
	"created_at" TIMESTAMPTZ NOT NULL,
	PRIMARY KEY ("job_id", "index")
);
CREATE TABLE IF NOT EXISTS "summary_parts" (
	"job_id"     TEXT NOT NULL REFERENCES "jobs"("id") ON DELETE CASCADE,
	"index"      INTEGER NOT NULL,
	"text"       TEXT NOT NULL,
	"provider"   TEXT NOT NULL,
	"created_at" TIMESTAMPTZ NOT NULL,
	PRIMARY KEY ("job_id", "index")
);
CREATE INDEX IF NOT EXISTS "jobs_updated_at_idx" ON "jobs" ("updated_at");
`

// Postgres persists records through a pgx connection pool. Foreign keys
// with ON DELETE CASCADE give DeleteJob its ownership semantics.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

const jobColumns = `"id", "owner_id", "stage", "progress", "last_error", "total_chunks", "finalized", "reserved", "markdown", "note", "provenance", "created_at", "updated_at", "version"`

type jobRow struct {
	reserved   []byte
	note       []byte
	provenance []byte
}

func encodeJob(j *types.Job) (reserved, note, provenance string, err error) {
	r, err := json.Marshal(nonNil(j.Reserved))
	if err != nil {
		return "", "", "", err
	}
	pv := j.Provenance
	if pv == nil {
		pv = map[string]string{}
	}
	pr, err := json.Marshal(pv)
	if err != nil {
		return "", "", "", err
	}
	n := "null"
	if j.Note != nil {
		b, err := json.Marshal(j.Note)
		if err != nil {
			return "", "", "", err
		}
		n = string(b)
	}
	return string(r), n, string(pr), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (p *Postgres) CreateJob(ctx context.Context, j *types.Job) error {
	reserved, note, provenance, err := encodeJob(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO "jobs" (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10::jsonb, $11::jsonb, $12, $13, $14)`,
		j.ID, j.OwnerID, string(j.Stage), j.Progress, j.LastError, j.TotalChunks, j.Finalized,
		reserved, j.Markdown, note, provenance, j.CreatedAt, j.UpdatedAt, j.Version)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*types.Job, error) {
	var (
		j     types.Job
		stage string
		raw   jobRow
	)
	if err := row.Scan(&j.ID, &j.OwnerID, &stage, &j.Progress, &j.LastError, &j.TotalChunks, &j.Finalized,
		&raw.reserved, &j.Markdown, &raw.note, &raw.provenance, &j.CreatedAt, &j.UpdatedAt, &j.Version); err != nil {
		return nil, err
	}
	j.Stage = types.Stage(stage)
	if len(raw.reserved) > 0 {
		if err := json.Unmarshal(raw.reserved, &j.Reserved); err != nil {
			return nil, fmt.Errorf("decode reserved: %w", err)
		}
	}
	if len(raw.provenance) > 0 {
		if err := json.Unmarshal(raw.provenance, &j.Provenance); err != nil {
			return nil, fmt.Errorf("decode provenance: %w", err)
		}
	}
	if len(raw.note) > 0 && string(raw.note) != "null" {
		var n types.FinalNote
		if err := json.Unmarshal(raw.note, &n); err != nil {
			return nil, fmt.Errorf("decode note: %w", err)
		}
		j.Note = &n
	}
	return &j, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*types.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM "jobs" WHERE "id" = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return j, nil
}

func (p *Postgres) UpdateJob(ctx context.Context, j *types.Job) error {
	reserved, note, provenance, err := encodeJob(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `UPDATE "jobs" SET "stage"=$2, "progress"=$3, "last_error"=$4, "total_chunks"=$5, "finalized"=$6, "reserved"=$7::jsonb, "markdown"=$8, "note"=$9::jsonb, "provenance"=$10::jsonb, "updated_at"=$11, "version"="version"+1 WHERE "id"=$1 AND "version"=$12`,
		j.ID, string(j.Stage), j.Progress, j.LastError, j.TotalChunks, j.Finalized, reserved, j.Markdown, note, provenance, j.UpdatedAt, j.Version)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM "jobs" WHERE "id" = $1)`, j.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return types.ErrJobNotFound
		}
		return types.ErrStaleJob
	}
	j.Version++
	return nil
}

func (p *Postgres) DeleteJob(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM "jobs" WHERE "id" = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrJobNotFound
	}
	return nil
}

func (p *Postgres) StaleJobs(ctx context.Context, before time.Time) ([]*types.Job, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+jobColumns+` FROM "jobs" WHERE "updated_at" < $1 ORDER BY "updated_at"`, before)
	if err != nil {
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}
	defer rows.Close()
	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) PutChunk(ctx context.Context, c types.Chunk) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO "chunks" ("job_id", "index", "data", "mime", "filename", "size", "uploaded_at")
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ("job_id", "index") DO UPDATE SET "data"=EXCLUDED."data", "mime"=EXCLUDED."mime", "filename"=EXCLUDED."filename", "size"=EXCLUDED."size", "uploaded_at"=EXCLUDED."uploaded_at"`,
		c.JobID, c.Index, c.Data, c.Mime, c.Filename, c.Size, c.UploadedAt)
	if err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}
	return nil
}

func (p *Postgres) GetChunk(ctx context.Context, jobID string, index int) (*types.Chunk, error) {
	var c types.Chunk
	err := p.pool.QueryRow(ctx, `SELECT "job_id", "index", "data", "mime", "filename", "size", "uploaded_at" FROM "chunks" WHERE "job_id"=$1 AND "index"=$2`, jobID, index).
		Scan(&c.JobID, &c.Index, &c.Data, &c.Mime, &c.Filename, &c.Size, &c.UploadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s/%d not found", jobID, index)
	}
	if err != nil {
		return nil, fmt.Errorf("select chunk: %w", err)
	}
	return &c, nil
}

func (p *Postgres) ListChunks(ctx context.Context, jobID string) ([]types.ChunkMeta, error) {
	rows, err := p.pool.Query(ctx, `SELECT "job_id", "index", "mime", "filename", "size", "uploaded_at" FROM "chunks" WHERE "job_id"=$1 ORDER BY "index"`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select chunks: %w", err)
	}
	defer rows.Close()
	var out []types.ChunkMeta
	for rows.Next() {
		var m types.ChunkMeta
		if err := rows.Scan(&m.JobID, &m.Index, &m.Mime, &m.Filename, &m.Size, &m.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteChunks(ctx context.Context, jobID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM "chunks" WHERE "job_id"=$1`, jobID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (p *Postgres) PutTranscript(ctx context.Context, t types.Transcript) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO "transcripts" ("job_id", "index", "text", "created_at") VALUES ($1, $2, $3, $4)
		ON CONFLICT ("job_id", "index") DO UPDATE SET "text"=EXCLUDED."text", "created_at"=EXCLUDED."created_at"`,
		t.JobID, t.Index, t.Text, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteTranscript(ctx context.Context, jobID string, index int) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM "transcripts" WHERE "job_id"=$1 AND "index"=$2`, jobID, index); err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return nil
}

func (p *Postgres) ListTranscripts(ctx context.Context, jobID string) ([]types.Transcript, error) {
	rows, err := p.pool.Query(ctx, `SELECT "job_id", "index", "text", "created_at" FROM "transcripts" WHERE "job_id"=$1 ORDER BY "index"`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select transcripts: %w", err)
	}
	defer rows.Close()
	var out []types.Transcript
	for rows.Next() {
		var t types.Transcript
		if err := rows.Scan(&t.JobID, &t.Index, &t.Text, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) PutSummaryPart(ctx context.Context, sp types.SummaryPart) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO "summary_parts" ("job_id", "index", "text", "provider", "created_at") VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ("job_id", "index") DO UPDATE SET "text"=EXCLUDED."text", "provider"=EXCLUDED."provider", "created_at"=EXCLUDED."created_at"`,
		sp.JobID, sp.Index, sp.Text, sp.Provider, sp.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert summary part: %w", err)
	}
	return nil
}

func (p *Postgres) ListSummaryParts(ctx context.Context, jobID string) ([]types.SummaryPart, error) {
	rows, err := p.pool.Query(ctx, `SELECT "job_id", "index", "text", "provider", "created_at" FROM "summary_parts" WHERE "job_id"=$1 ORDER BY "index"`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select summary parts: %w", err)
	}
	defer rows.Close()
	var out []types.SummaryPart
	for rows.Next() {
		var sp types.SummaryPart
		if err := rows.Scan(&sp.JobID, &sp.Index, &sp.Text, &sp.Provider, &sp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}
