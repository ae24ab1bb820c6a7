package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/memestream/internal/models"
)

var tracer = otel.Tracer("memestream-metadata")

const mysqlDuplicateEntry = 1062

const schema = `CREATE TABLE IF NOT EXISTS images (
	object_id     VARCHAR(36)  NOT NULL PRIMARY KEY,
	uploader_id   VARCHAR(255) NOT NULL,
	caption       TEXT         NULL,
	lat           DOUBLE       NULL,
	lng           DOUBLE       NULL,
	alternate_key VARCHAR(255) NULL,
	content_type  VARCHAR(255) NOT NULL DEFAULT '',
	size          BIGINT       NOT NULL,
	created_at    DATETIME(6)  NOT NULL,
	UNIQUE KEY uk_images_alternate_key (alternate_key),
	KEY idx_images_uploader_created (uploader_id, created_at)
)`

const selectColumns = `SELECT object_id, uploader_id, caption, lat, lng, alternate_key, content_type, size, created_at FROM images`

// OpenTiDB opens and pings a MySQL-protocol connection pool.
func OpenTiDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// TiDBIndex stores metadata rows in TiDB (or any MySQL-compatible server).
type TiDBIndex struct {
	db *sql.DB
}

// NewTiDBIndex wraps an open pool. The pool is owned by the caller.
func NewTiDBIndex(db *sql.DB) *TiDBIndex {
	return &TiDBIndex{db: db}
}

// EnsureSchema creates the images table if it does not exist.
func (ti *TiDBIndex) EnsureSchema(ctx context.Context) error {
	if _, err := ti.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create images table: %w", err)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// Put inserts a metadata row; unique keys enforce one record per object id
// and per alternate key.
func (ti *TiDBIndex) Put(ctx context.Context, rec models.MetadataRecord) error {
	ctx, span := tracer.Start(ctx, "tidb.put_metadata",
		trace.WithAttributes(
			attribute.String("object_id", string(rec.ObjectID)),
			attribute.String("uploader_id", rec.UploaderID),
		),
	)
	defer span.End()

	if err := Validate(rec); err != nil {
		span.RecordError(err)
		return err
	}

	query := `INSERT INTO images (object_id, uploader_id, caption, lat, lng, alternate_key, content_type, size, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := ti.db.ExecContext(ctx, query,
		string(rec.ObjectID),
		rec.UploaderID,
		nullString(rec.Caption),
		nullFloat(rec.Latitude),
		nullFloat(rec.Longitude),
		nullString(rec.AlternateKey),
		rec.ContentType,
		rec.Size,
		rec.CreatedAt.UTC(),
	)
	if isDuplicateEntry(err) {
		span.SetAttributes(attribute.Bool("conflict", true))
		return ErrConflict
	} else if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert metadata: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.MetadataRecord, error) {
	var (
		rec       models.MetadataRecord
		objectID  string
		caption   sql.NullString
		lat, lng  sql.NullFloat64
		altKey    sql.NullString
		createdAt time.Time
	)
	err := row.Scan(&objectID, &rec.UploaderID, &caption, &lat, &lng, &altKey, &rec.ContentType, &rec.Size, &createdAt)
	if err != nil {
		return models.MetadataRecord{}, err
	}
	rec.ObjectID = models.ObjectID(objectID)
	rec.Caption = caption.String
	rec.AlternateKey = altKey.String
	rec.CreatedAt = createdAt.UTC()
	if lat.Valid {
		v := lat.Float64
		rec.Latitude = &v
	}
	if lng.Valid {
		v := lng.Float64
		rec.Longitude = &v
	}
	return rec, nil
}

func (ti *TiDBIndex) getOne(ctx context.Context, spanName, column, value string) (models.MetadataRecord, error) {
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String(column, value)),
	)
	defer span.End()

	rec, err := scanRecord(ti.db.QueryRowContext(ctx, selectColumns+` WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return models.MetadataRecord{}, ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return models.MetadataRecord{}, fmt.Errorf("failed to query metadata: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return rec, nil
}

// Get retrieves metadata by object id.
func (ti *TiDBIndex) Get(ctx context.Context, id models.ObjectID) (models.MetadataRecord, error) {
	return ti.getOne(ctx, "tidb.get_metadata", "object_id", string(id))
}

// GetByAlternateKey retrieves metadata by its filename-style key.
func (ti *TiDBIndex) GetByAlternateKey(ctx context.Context, key string) (models.MetadataRecord, error) {
	return ti.getOne(ctx, "tidb.get_metadata_by_key", "alternate_key", key)
}

// List returns records newest first.
func (ti *TiDBIndex) List(ctx context.Context, filter Filter, page Page) ([]models.MetadataRecord, error) {
	page = page.Normalize()
	ctx, span := tracer.Start(ctx, "tidb.list_metadata",
		trace.WithAttributes(
			attribute.String("uploader_id", filter.UploaderID),
			attribute.Int("limit", page.Limit),
			attribute.Int("offset", page.Offset),
		),
	)
	defer span.End()

	query := selectColumns
	var args []any
	if filter.UploaderID != "" {
		query += ` WHERE uploader_id = ?`
		args = append(args, filter.UploaderID)
	}
	query += ` ORDER BY created_at DESC, object_id DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)

	rows, err := ti.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	records := []models.MetadataRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating metadata: %w", err)
	}

	span.SetAttributes(attribute.Int("record_count", len(records)))
	return records, nil
}
