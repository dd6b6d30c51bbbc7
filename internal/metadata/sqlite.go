package metadata

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/coldvault/coldvault/internal/uid"
)

const (
	// timeFormat is the RFC 3339-equivalent format used for all timestamps
	// in SQLite, per the catalog schema's "timestamps are RFC 3339 strings"
	// rule.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// SQLiteStore implements the MetadataStore interface using SQLite as the
// backing database. It provides durable, ACID-compliant metadata storage
// suitable for single-node deployments, with UUID surrogate keys and
// foreign-key relationships per the catalog schema.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	// Schema per catalog schema: UUID surrogate keys, FK relationships.
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS buckets (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL UNIQUE,
			region             TEXT NOT NULL DEFAULT 'us-east-1',
			owner_id           TEXT NOT NULL,
			owner_display      TEXT NOT NULL DEFAULT '',
			acl                TEXT NOT NULL DEFAULT '{}',
			versioning_enabled INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS objects (
			id                  TEXT PRIMARY KEY,
			bucket_id           TEXT NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
			key                 TEXT NOT NULL,
			version_id          TEXT,
			size                INTEGER NOT NULL,
			etag                TEXT NOT NULL,
			content_type        TEXT NOT NULL DEFAULT 'application/octet-stream',
			content_encoding    TEXT,
			content_language    TEXT,
			content_disposition TEXT,
			cache_control       TEXT,
			expires             TEXT,
			storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
			acl                 TEXT NOT NULL DEFAULT '{}',
			metadata            TEXT NOT NULL DEFAULT '{}',
			storage_path        TEXT NOT NULL DEFAULT '',
			delete_marker       INTEGER NOT NULL DEFAULT 0,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			UNIQUE (bucket_id, key)
		);

		CREATE INDEX IF NOT EXISTS idx_objects_bucket ON objects(bucket_id);
		CREATE INDEX IF NOT EXISTS idx_objects_bucket_key ON objects(bucket_id, key);

		CREATE TABLE IF NOT EXISTS multipart_uploads (
			id                  TEXT PRIMARY KEY,
			bucket_id           TEXT NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
			object_key          TEXT NOT NULL,
			upload_id           TEXT NOT NULL UNIQUE,
			content_type        TEXT NOT NULL DEFAULT 'application/octet-stream',
			content_encoding    TEXT,
			content_language    TEXT,
			content_disposition TEXT,
			cache_control       TEXT,
			expires             TEXT,
			storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
			acl                 TEXT NOT NULL DEFAULT '{}',
			user_metadata       TEXT NOT NULL DEFAULT '{}',
			owner_id            TEXT NOT NULL,
			owner_display       TEXT NOT NULL DEFAULT '',
			created_at          TEXT NOT NULL,
			expires_at          TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_uploads_bucket ON multipart_uploads(bucket_id);
		CREATE INDEX IF NOT EXISTS idx_uploads_bucket_key ON multipart_uploads(bucket_id, object_key);

		CREATE TABLE IF NOT EXISTS multipart_parts (
			id            TEXT PRIMARY KEY,
			upload_id     TEXT NOT NULL REFERENCES multipart_uploads(id) ON DELETE CASCADE,
			part_number   INTEGER NOT NULL,
			etag          TEXT NOT NULL,
			size          INTEGER NOT NULL,
			storage_path  TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,

			UNIQUE (upload_id, part_number)
		);

		CREATE TABLE IF NOT EXISTS access_keys (
			id                TEXT PRIMARY KEY,
			access_key_id     TEXT NOT NULL UNIQUE,
			secret_access_key TEXT NOT NULL,
			owner_id          TEXT NOT NULL DEFAULT '',
			display_name      TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			expires_at        TEXT,
			is_active         INTEGER NOT NULL DEFAULT 1,
			policies          TEXT NOT NULL DEFAULT '[]',
			description       TEXT NOT NULL DEFAULT ''
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}

	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks connectivity to the metadata store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- Bucket operations ----

// CreateBucket creates a new bucket record in the SQLite database.
func (s *SQLiteStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	acl := "{}"
	if bucket.ACL != nil {
		acl = string(bucket.ACL)
	}
	now := bucket.CreatedAt.UTC().Format(timeFormat)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (id, name, region, owner_id, owner_display, acl, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uid.New(),
		bucket.Name,
		bucket.Region,
		bucket.OwnerID,
		bucket.OwnerDisplay,
		acl,
		now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("bucket already exists: %s", bucket.Name)
		}
		return fmt.Errorf("creating bucket %q: %w", bucket.Name, err)
	}
	return nil
}

// GetBucket retrieves bucket metadata by name.
func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, region, owner_id, owner_display, acl, created_at
		 FROM buckets WHERE name = ?`,
		name,
	)

	var b BucketRecord
	var aclStr, createdAtStr string
	err := row.Scan(&b.Name, &b.Region, &b.OwnerID, &b.OwnerDisplay, &aclStr, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting bucket %q: %w", name, err)
	}
	b.ACL = json.RawMessage(aclStr)
	b.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	return &b, nil
}

// bucketInternalID resolves a bucket name to its surrogate UUID.
func (s *SQLiteStore) bucketInternalID(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM buckets WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("bucket not found: %s", name)
	}
	if err != nil {
		return "", fmt.Errorf("resolving bucket %q: %w", name, err)
	}
	return id, nil
}

// DeleteBucket removes the named bucket. Returns an error if the bucket
// is not empty (contains objects or in-progress multipart uploads) —
// ColdVault forbids deleting a non-empty bucket rather than cascading
// storage deletion.
func (s *SQLiteStore) DeleteBucket(ctx context.Context, name string) error {
	bucketID, err := s.bucketInternalID(ctx, name)
	if err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE bucket_id = ? LIMIT 1`, bucketID,
	).Scan(&count); err != nil {
		return fmt.Errorf("checking bucket contents %q: %w", name, err)
	}
	if count > 0 {
		return fmt.Errorf("bucket not empty: %s", name)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM multipart_uploads WHERE bucket_id = ? LIMIT 1`, bucketID,
	).Scan(&count); err != nil {
		return fmt.Errorf("checking bucket uploads %q: %w", name, err)
	}
	if count > 0 {
		return fmt.Errorf("bucket not empty: %s", name)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE id = ?`, bucketID); err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

// ListBuckets returns all buckets owned by the given owner.
func (s *SQLiteStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, region, owner_id, owner_display, acl, created_at
		 FROM buckets WHERE owner_id = ?
		 ORDER BY name`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	defer rows.Close()

	var buckets []BucketRecord
	for rows.Next() {
		var b BucketRecord
		var aclStr, createdAtStr string
		if err := rows.Scan(&b.Name, &b.Region, &b.OwnerID, &b.OwnerDisplay, &aclStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		b.ACL = json.RawMessage(aclStr)
		b.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bucket rows: %w", err)
	}
	return buckets, nil
}

// BucketExists checks whether the named bucket exists.
func (s *SQLiteStore) BucketExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buckets WHERE name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking bucket existence %q: %w", name, err)
	}
	return count > 0, nil
}

// UpdateBucketAcl updates the ACL for the named bucket.
func (s *SQLiteStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET acl = ?, updated_at = ? WHERE name = ?`,
		string(acl), time.Now().UTC().Format(timeFormat), name,
	)
	if err != nil {
		return fmt.Errorf("updating bucket ACL %q: %w", name, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("bucket not found: %s", name)
	}
	return nil
}

// ---- Object operations ----

// PutObject creates or replaces the metadata for an object.
func (s *SQLiteStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	bucketID, err := s.bucketInternalID(ctx, obj.Bucket)
	if err != nil {
		return err
	}

	userMeta := "{}"
	if obj.UserMetadata != nil {
		b, err := json.Marshal(obj.UserMetadata)
		if err != nil {
			return fmt.Errorf("marshaling user metadata: %w", err)
		}
		userMeta = string(b)
	}

	acl := "{}"
	if obj.ACL != nil {
		acl = string(obj.ACL)
	}

	storageClass := obj.StorageClass
	if storageClass == "" {
		storageClass = "STANDARD"
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	deleteMarker := 0
	if obj.DeleteMarker {
		deleteMarker = 1
	}

	now := obj.LastModified.UTC().Format(timeFormat)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO objects
			(id, bucket_id, key, size, etag, content_type, content_encoding, content_language,
			 content_disposition, cache_control, expires, storage_class, acl,
			 metadata, storage_path, delete_marker, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket_id, key) DO UPDATE SET
			size = excluded.size,
			etag = excluded.etag,
			content_type = excluded.content_type,
			content_encoding = excluded.content_encoding,
			content_language = excluded.content_language,
			content_disposition = excluded.content_disposition,
			cache_control = excluded.cache_control,
			expires = excluded.expires,
			storage_class = excluded.storage_class,
			acl = excluded.acl,
			metadata = excluded.metadata,
			storage_path = excluded.storage_path,
			delete_marker = excluded.delete_marker,
			updated_at = excluded.updated_at`,
		uid.New(),
		bucketID,
		obj.Key,
		obj.Size,
		obj.ETag,
		contentType,
		nullString(obj.ContentEncoding),
		nullString(obj.ContentLanguage),
		nullString(obj.ContentDisposition),
		nullString(obj.CacheControl),
		nullString(obj.Expires),
		storageClass,
		acl,
		userMeta,
		obj.StoragePath,
		deleteMarker,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("putting object %q/%q: %w", obj.Bucket, obj.Key, err)
	}
	return nil
}

// GetObject retrieves object metadata by bucket and key.
func (s *SQLiteStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT b.name, o.key, o.size, o.etag, o.content_type, o.content_encoding,
				o.content_language, o.content_disposition, o.cache_control, o.expires,
				o.storage_class, o.acl, o.metadata, o.storage_path, o.updated_at, o.delete_marker
		 FROM objects o JOIN buckets b ON b.id = o.bucket_id
		 WHERE b.name = ? AND o.key = ?`,
		bucket, key,
	)

	obj, err := scanObjectRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %q/%q: %w", bucket, key, err)
	}
	return obj, nil
}

// DeleteObject removes object metadata by bucket and key.
func (s *SQLiteStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket_id = (SELECT id FROM buckets WHERE name = ?) AND key = ?`,
		bucket, key,
	)
	if err != nil {
		return fmt.Errorf("deleting object %q/%q: %w", bucket, key, err)
	}
	return nil
}

// ObjectExists checks whether the named object exists.
func (s *SQLiteStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects o JOIN buckets b ON b.id = o.bucket_id
		 WHERE b.name = ? AND o.key = ?`,
		bucket, key,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking object existence %q/%q: %w", bucket, key, err)
	}
	return count > 0, nil
}

// DeleteObjectsMeta removes metadata for multiple objects. Returns the
// list of keys that were successfully deleted and any errors.
func (s *SQLiteStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	var deleted []string
	var errs []error

	for _, key := range keys {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM objects WHERE bucket_id = (SELECT id FROM buckets WHERE name = ?) AND key = ?`,
			bucket, key,
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting %q: %w", key, err))
			continue
		}
		// S3 reports deletion even if the key didn't exist.
		deleted = append(deleted, key)
	}
	return deleted, errs
}

// UpdateObjectAcl updates the ACL for the specified object.
func (s *SQLiteStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE objects SET acl = ?, updated_at = ?
		 WHERE bucket_id = (SELECT id FROM buckets WHERE name = ?) AND key = ?`,
		string(acl), time.Now().UTC().Format(timeFormat), bucket, key,
	)
	if err != nil {
		return fmt.Errorf("updating object ACL %q/%q: %w", bucket, key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	return nil
}

// ListObjects lists objects in the given bucket according to the provided options.
func (s *SQLiteStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 || maxKeys > 1000 {
		maxKeys = 1000
	}

	startAfter := opts.StartAfter
	if opts.ContinuationToken != "" {
		startAfter = opts.ContinuationToken
	}
	if opts.Marker != "" && startAfter == "" {
		startAfter = opts.Marker
	}

	var args []interface{}
	query := `SELECT b.name, o.key, o.size, o.etag, o.content_type, o.content_encoding,
					 o.content_language, o.content_disposition, o.cache_control, o.expires,
					 o.storage_class, o.acl, o.metadata, o.storage_path, o.updated_at, o.delete_marker
			  FROM objects o JOIN buckets b ON b.id = o.bucket_id
			  WHERE b.name = ?`
	args = append(args, bucket)

	if opts.Prefix != "" {
		query += ` AND o.key LIKE ? || '%' ESCAPE '\'`
		args = append(args, escapeLikePattern(opts.Prefix))
	}

	if startAfter != "" {
		query += ` AND o.key > ?`
		args = append(args, startAfter)
	}

	query += ` ORDER BY o.key`
	query += fmt.Sprintf(` LIMIT %d`, maxKeys+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
	}
	defer rows.Close()

	var allObjects []ObjectRecord
	for rows.Next() {
		obj, err := scanObjectRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		allObjects = append(allObjects, *obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating object rows: %w", err)
	}

	if opts.Delimiter == "" {
		isTruncated := len(allObjects) > maxKeys
		if isTruncated {
			allObjects = allObjects[:maxKeys]
		}
		result := &ListObjectsResult{
			Objects:     allObjects,
			IsTruncated: isTruncated,
		}
		if isTruncated && len(allObjects) > 0 {
			lastKey := allObjects[len(allObjects)-1].Key
			result.NextMarker = lastKey
			result.NextContinuationToken = lastKey
		}
		return result, nil
	}

	var objects []ObjectRecord
	prefixSet := make(map[string]bool)

	for _, obj := range allObjects {
		keyAfterPrefix := obj.Key
		if opts.Prefix != "" {
			keyAfterPrefix = obj.Key[len(opts.Prefix):]
		}

		delimIdx := strings.Index(keyAfterPrefix, opts.Delimiter)
		if delimIdx >= 0 {
			commonPrefix := opts.Prefix + keyAfterPrefix[:delimIdx+len(opts.Delimiter)]
			prefixSet[commonPrefix] = true
		} else {
			objects = append(objects, obj)
		}
	}

	var commonPrefixes []string
	for p := range prefixSet {
		commonPrefixes = append(commonPrefixes, p)
	}
	sort.Strings(commonPrefixes)

	totalEntries := len(objects) + len(commonPrefixes)
	isTruncated := totalEntries > maxKeys

	if isTruncated {
		type entry struct {
			key      string
			isPrefix bool
		}
		var entries []entry
		for _, obj := range objects {
			entries = append(entries, entry{key: obj.Key, isPrefix: false})
		}
		for _, p := range commonPrefixes {
			entries = append(entries, entry{key: p, isPrefix: true})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].key < entries[j].key
		})

		if len(entries) > maxKeys {
			entries = entries[:maxKeys]
		}

		objects = nil
		prefixSet = make(map[string]bool)
		for _, e := range entries {
			if e.isPrefix {
				prefixSet[e.key] = true
			} else {
				for _, obj := range allObjects {
					if obj.Key == e.key {
						objects = append(objects, obj)
						break
					}
				}
			}
		}
		commonPrefixes = nil
		for p := range prefixSet {
			commonPrefixes = append(commonPrefixes, p)
		}
		sort.Strings(commonPrefixes)
	}

	result := &ListObjectsResult{
		Objects:        objects,
		CommonPrefixes: commonPrefixes,
		IsTruncated:    isTruncated,
	}
	if isTruncated {
		var lastKey string
		if len(objects) > 0 {
			lastKey = objects[len(objects)-1].Key
		}
		if len(commonPrefixes) > 0 {
			lastPrefix := commonPrefixes[len(commonPrefixes)-1]
			if lastPrefix > lastKey {
				lastKey = lastPrefix
			}
		}
		result.NextMarker = lastKey
		result.NextContinuationToken = lastKey
	}

	return result, nil
}

// ---- Multipart upload operations ----

// generateUploadID generates a unique, client-facing upload ID using crypto/rand.
func generateUploadID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating upload ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateMultipartUpload creates a new multipart upload record. The expiry
// defaults to creation + 7 days per spec.
func (s *SQLiteStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
	bucketID, err := s.bucketInternalID(ctx, upload.Bucket)
	if err != nil {
		return "", err
	}

	uploadID := upload.UploadID
	if uploadID == "" {
		uploadID, err = generateUploadID()
		if err != nil {
			return "", err
		}
	}

	acl := "{}"
	if upload.ACL != nil {
		acl = string(upload.ACL)
	}
	userMeta := "{}"
	if upload.UserMetadata != nil {
		b, err := json.Marshal(upload.UserMetadata)
		if err != nil {
			return "", fmt.Errorf("marshaling user metadata: %w", err)
		}
		userMeta = string(b)
	}

	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	storageClass := upload.StorageClass
	if storageClass == "" {
		storageClass = "STANDARD"
	}

	initiatedAt := upload.InitiatedAt
	if initiatedAt.IsZero() {
		initiatedAt = time.Now().UTC()
	}
	expiresAt := upload.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = initiatedAt.Add(7 * 24 * time.Hour)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads
			(id, bucket_id, object_key, upload_id, content_type, content_encoding, content_language,
			 content_disposition, cache_control, expires, storage_class, acl,
			 user_metadata, owner_id, owner_display, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uid.New(),
		bucketID,
		upload.Key,
		uploadID,
		contentType,
		nullString(upload.ContentEncoding),
		nullString(upload.ContentLanguage),
		nullString(upload.ContentDisposition),
		nullString(upload.CacheControl),
		nullString(upload.Expires),
		storageClass,
		acl,
		userMeta,
		upload.OwnerID,
		upload.OwnerDisplay,
		initiatedAt.UTC().Format(timeFormat),
		expiresAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", fmt.Errorf("upload id already exists: %s", uploadID)
		}
		return "", fmt.Errorf("creating multipart upload: %w", err)
	}
	return uploadID, nil
}

// uploadInternalID resolves a client-facing upload ID to its surrogate UUID.
func (s *SQLiteStore) uploadInternalID(ctx context.Context, uploadID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM multipart_uploads WHERE upload_id = ?`, uploadID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("upload not found: %s", uploadID)
	}
	if err != nil {
		return "", fmt.Errorf("resolving upload %q: %w", uploadID, err)
	}
	return id, nil
}

// GetMultipartUpload retrieves multipart upload metadata.
func (s *SQLiteStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT m.upload_id, b.name, m.object_key, m.content_type, m.content_encoding,
				m.content_language, m.content_disposition, m.cache_control, m.expires,
				m.storage_class, m.acl, m.user_metadata, m.owner_id, m.owner_display,
				m.created_at, m.expires_at
		 FROM multipart_uploads m JOIN buckets b ON b.id = m.bucket_id
		 WHERE m.upload_id = ? AND b.name = ? AND m.object_key = ?`,
		uploadID, bucket, key,
	)

	var u MultipartUploadRecord
	var contentEncoding, contentLanguage, contentDisposition, cacheControl, expires, expiresAtStr sql.NullString
	var aclStr, userMetaStr, initiatedAtStr string

	err := row.Scan(
		&u.UploadID, &u.Bucket, &u.Key, &u.ContentType,
		&contentEncoding, &contentLanguage, &contentDisposition,
		&cacheControl, &expires,
		&u.StorageClass, &aclStr, &userMetaStr,
		&u.OwnerID, &u.OwnerDisplay, &initiatedAtStr, &expiresAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting multipart upload %q: %w", uploadID, err)
	}

	u.ContentEncoding = contentEncoding.String
	u.ContentLanguage = contentLanguage.String
	u.ContentDisposition = contentDisposition.String
	u.CacheControl = cacheControl.String
	u.Expires = expires.String
	u.ACL = json.RawMessage(aclStr)
	u.InitiatedAt, _ = time.Parse(timeFormat, initiatedAtStr)
	if expiresAtStr.Valid {
		u.ExpiresAt, _ = time.Parse(timeFormat, expiresAtStr.String)
	}

	if userMetaStr != "" && userMetaStr != "{}" {
		u.UserMetadata = make(map[string]string)
		json.Unmarshal([]byte(userMetaStr), &u.UserMetadata)
	}

	return &u, nil
}

// PutPart records metadata for an uploaded part.
func (s *SQLiteStore) PutPart(ctx context.Context, part *PartRecord) error {
	internalID, err := s.uploadInternalID(ctx, part.UploadID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO multipart_parts (id, upload_id, part_number, etag, size, storage_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (upload_id, part_number) DO UPDATE SET
			etag = excluded.etag,
			size = excluded.size,
			storage_path = excluded.storage_path,
			created_at = excluded.created_at`,
		uid.New(),
		internalID,
		part.PartNumber,
		part.ETag,
		part.Size,
		part.StoragePath,
		part.LastModified.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting part %d for upload %q: %w", part.PartNumber, part.UploadID, err)
	}
	return nil
}

// ListParts lists parts for the specified multipart upload.
func (s *SQLiteStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 || maxParts > 1000 {
		maxParts = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.upload_id, p.part_number, p.size, p.etag, p.created_at, p.storage_path
		 FROM multipart_parts p JOIN multipart_uploads m ON m.id = p.upload_id
		 WHERE m.upload_id = ? AND p.part_number > ?
		 ORDER BY p.part_number
		 LIMIT ?`,
		uploadID, opts.PartNumberMarker, maxParts+1,
	)
	if err != nil {
		return nil, fmt.Errorf("listing parts for upload %q: %w", uploadID, err)
	}
	defer rows.Close()

	var parts []PartRecord
	for rows.Next() {
		var p PartRecord
		var lastModifiedStr string
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.Size, &p.ETag, &lastModifiedStr, &p.StoragePath); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		p.LastModified, _ = time.Parse(timeFormat, lastModifiedStr)
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating part rows: %w", err)
	}

	isTruncated := len(parts) > maxParts
	if isTruncated {
		parts = parts[:maxParts]
	}

	result := &ListPartsResult{
		Parts:       parts,
		IsTruncated: isTruncated,
	}
	if isTruncated && len(parts) > 0 {
		result.NextPartNumberMarker = parts[len(parts)-1].PartNumber
	}
	return result, nil
}

// GetPartsForCompletion retrieves part records for the given part numbers.
func (s *SQLiteStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	if len(partNumbers) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(partNumbers))
	args := make([]interface{}, 0, len(partNumbers)+1)
	args = append(args, uploadID)
	for i, pn := range partNumbers {
		placeholders[i] = "?"
		args = append(args, pn)
	}

	query := fmt.Sprintf(
		`SELECT m.upload_id, p.part_number, p.size, p.etag, p.created_at, p.storage_path
		 FROM multipart_parts p JOIN multipart_uploads m ON m.id = p.upload_id
		 WHERE m.upload_id = ? AND p.part_number IN (%s)
		 ORDER BY p.part_number`,
		strings.Join(placeholders, ", "),
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting parts for completion: %w", err)
	}
	defer rows.Close()

	var parts []PartRecord
	for rows.Next() {
		var p PartRecord
		var lastModifiedStr string
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.Size, &p.ETag, &lastModifiedStr, &p.StoragePath); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		p.LastModified, _ = time.Parse(timeFormat, lastModifiedStr)
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating part rows: %w", err)
	}
	return parts, nil
}

// CompleteMultipartUpload finalizes a multipart upload: inserts the final
// object record and deletes the upload and part records, all in a
// transaction. The caller (C4, internal/handlers/multipart.go) is
// responsible for having already carried the sidecar metadata.json
// content type / user metadata onto obj (spec.md §9(ii)).
func (s *SQLiteStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var bucketID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM buckets WHERE name = ?`, bucket).Scan(&bucketID); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		return fmt.Errorf("resolving bucket %q: %w", bucket, err)
	}

	userMeta := "{}"
	if obj.UserMetadata != nil {
		b, err := json.Marshal(obj.UserMetadata)
		if err != nil {
			return fmt.Errorf("marshaling user metadata: %w", err)
		}
		userMeta = string(b)
	}
	acl := "{}"
	if obj.ACL != nil {
		acl = string(obj.ACL)
	}
	storageClass := obj.StorageClass
	if storageClass == "" {
		storageClass = "STANDARD"
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	deleteMarker := 0
	if obj.DeleteMarker {
		deleteMarker = 1
	}
	now := obj.LastModified.UTC().Format(timeFormat)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO objects
			(id, bucket_id, key, size, etag, content_type, content_encoding, content_language,
			 content_disposition, cache_control, expires, storage_class, acl,
			 metadata, storage_path, delete_marker, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket_id, key) DO UPDATE SET
			size = excluded.size,
			etag = excluded.etag,
			content_type = excluded.content_type,
			content_encoding = excluded.content_encoding,
			content_language = excluded.content_language,
			content_disposition = excluded.content_disposition,
			cache_control = excluded.cache_control,
			expires = excluded.expires,
			storage_class = excluded.storage_class,
			acl = excluded.acl,
			metadata = excluded.metadata,
			storage_path = excluded.storage_path,
			delete_marker = excluded.delete_marker,
			updated_at = excluded.updated_at`,
		uid.New(), bucketID, obj.Key, obj.Size, obj.ETag, contentType,
		nullString(obj.ContentEncoding), nullString(obj.ContentLanguage),
		nullString(obj.ContentDisposition), nullString(obj.CacheControl),
		nullString(obj.Expires), storageClass, acl, userMeta, obj.StoragePath,
		deleteMarker, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting object during completion: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM multipart_parts WHERE upload_id = (SELECT id FROM multipart_uploads WHERE upload_id = ?)`,
		uploadID,
	); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID)
	if err != nil {
		return fmt.Errorf("deleting upload record: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("upload not found: %s", uploadID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AbortMultipartUpload cancels a multipart upload and removes all part records.
// Idempotent: a missing upload is not an error.
func (s *SQLiteStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM multipart_parts WHERE upload_id = (SELECT id FROM multipart_uploads WHERE upload_id = ?)`,
		uploadID,
	); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM multipart_uploads WHERE upload_id = ? AND bucket_id = (SELECT id FROM buckets WHERE name = ?) AND object_key = ?`,
		uploadID, bucket, key,
	)
	if err != nil {
		return fmt.Errorf("deleting upload record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListMultipartUploads lists in-progress multipart uploads for the given bucket.
func (s *SQLiteStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 || maxUploads > 1000 {
		maxUploads = 1000
	}

	var args []interface{}
	query := `SELECT m.upload_id, b.name, m.object_key, m.content_type, m.content_encoding,
					 m.content_language, m.content_disposition, m.cache_control, m.expires,
					 m.storage_class, m.acl, m.user_metadata, m.owner_id, m.owner_display, m.created_at
			  FROM multipart_uploads m JOIN buckets b ON b.id = m.bucket_id
			  WHERE b.name = ?`
	args = append(args, bucket)

	if opts.Prefix != "" {
		query += ` AND m.object_key LIKE ? || '%' ESCAPE '\'`
		args = append(args, escapeLikePattern(opts.Prefix))
	}

	if opts.KeyMarker != "" {
		if opts.UploadIDMarker != "" {
			query += ` AND (m.object_key > ? OR (m.object_key = ? AND m.upload_id > ?))`
			args = append(args, opts.KeyMarker, opts.KeyMarker, opts.UploadIDMarker)
		} else {
			query += ` AND m.object_key > ?`
			args = append(args, opts.KeyMarker)
		}
	}

	query += ` ORDER BY m.object_key, m.created_at`
	query += fmt.Sprintf(` LIMIT %d`, maxUploads+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing multipart uploads: %w", err)
	}
	defer rows.Close()

	var uploads []MultipartUploadRecord
	for rows.Next() {
		var u MultipartUploadRecord
		var contentEncoding, contentLanguage, contentDisposition, cacheControl, expires sql.NullString
		var aclStr, userMetaStr, initiatedAtStr string

		if err := rows.Scan(
			&u.UploadID, &u.Bucket, &u.Key, &u.ContentType,
			&contentEncoding, &contentLanguage, &contentDisposition,
			&cacheControl, &expires,
			&u.StorageClass, &aclStr, &userMetaStr,
			&u.OwnerID, &u.OwnerDisplay, &initiatedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}

		u.ContentEncoding = contentEncoding.String
		u.ContentLanguage = contentLanguage.String
		u.ContentDisposition = contentDisposition.String
		u.CacheControl = cacheControl.String
		u.Expires = expires.String
		u.ACL = json.RawMessage(aclStr)
		u.InitiatedAt, _ = time.Parse(timeFormat, initiatedAtStr)

		if userMetaStr != "" && userMetaStr != "{}" {
			u.UserMetadata = make(map[string]string)
			json.Unmarshal([]byte(userMetaStr), &u.UserMetadata)
		}

		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upload rows: %w", err)
	}

	isTruncated := len(uploads) > maxUploads
	if isTruncated {
		uploads = uploads[:maxUploads]
	}

	result := &ListUploadsResult{
		Uploads:     uploads,
		IsTruncated: isTruncated,
	}
	if isTruncated && len(uploads) > 0 {
		last := uploads[len(uploads)-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}
	return result, nil
}

// ReapExpiredUploads lists and deletes catalog rows for multipart uploads
// whose expires_at has passed, falling back to created_at+ttlSeconds for
// rows with no expires_at set. This is the list_expired hook named in
// spec.md §4.1/§9, invoked by the reconciliation sweeper.
func (s *SQLiteStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(ttlSeconds) * time.Second).Format(timeFormat)

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.upload_id, b.name, m.object_key
		 FROM multipart_uploads m JOIN buckets b ON b.id = m.bucket_id
		 WHERE (m.expires_at IS NOT NULL AND m.expires_at <= ?)
		    OR (m.expires_at IS NULL AND m.created_at <= ?)`,
		now.Format(timeFormat), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired uploads: %w", err)
	}

	var expired []ExpiredUpload
	for rows.Next() {
		var e ExpiredUpload
		if err := rows.Scan(&e.UploadID, &e.BucketName, &e.ObjectKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired upload row: %w", err)
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired upload rows: %w", err)
	}

	for _, e := range expired {
		if err := s.AbortMultipartUpload(ctx, e.BucketName, e.ObjectKey, e.UploadID); err != nil {
			return nil, fmt.Errorf("reaping upload %q: %w", e.UploadID, err)
		}
	}

	return expired, nil
}

// ---- Access key operations ----

// GetAccessKey retrieves an access key record by access key ID.
func (s *SQLiteStore) GetAccessKey(ctx context.Context, accessKeyID string) (*AccessKeyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT access_key_id, secret_access_key, owner_id, display_name, is_active,
				created_at, expires_at, policies, description
		 FROM access_keys WHERE access_key_id = ?`,
		accessKeyID,
	)
	return scanAccessKeyRow(row)
}

// PutAccessKey creates or updates an access key record.
func (s *SQLiteStore) PutAccessKey(ctx context.Context, cred *AccessKeyRecord) error {
	active := 0
	if cred.Active {
		active = 1
	}
	policies, err := json.Marshal(cred.Policies)
	if err != nil {
		return fmt.Errorf("marshaling policies: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO access_keys
			(id, access_key_id, secret_access_key, owner_id, display_name, is_active,
			 created_at, expires_at, policies, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (access_key_id) DO UPDATE SET
			secret_access_key = excluded.secret_access_key,
			owner_id = excluded.owner_id,
			display_name = excluded.display_name,
			is_active = excluded.is_active,
			expires_at = excluded.expires_at,
			policies = excluded.policies,
			description = excluded.description`,
		uid.New(),
		cred.AccessKeyID,
		cred.SecretKey,
		cred.OwnerID,
		cred.DisplayName,
		active,
		cred.CreatedAt.UTC().Format(timeFormat),
		nullTime(cred.ExpiresAt),
		string(policies),
		cred.Description,
	)
	if err != nil {
		return fmt.Errorf("putting access key %q: %w", cred.AccessKeyID, err)
	}
	return nil
}

// CreateAccessKey inserts a new access key record, failing if the access
// key id already exists.
func (s *SQLiteStore) CreateAccessKey(ctx context.Context, key *AccessKeyRecord) error {
	existing, err := s.GetAccessKey(ctx, key.AccessKeyID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("access key already exists: %s", key.AccessKeyID)
	}
	return s.PutAccessKey(ctx, key)
}

// RotateAccessKey regenerates the secret for an existing access key,
// preserving its identifier, policies, and description.
func (s *SQLiteStore) RotateAccessKey(ctx context.Context, accessKeyID, newSecret string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_keys SET secret_access_key = ? WHERE access_key_id = ?`,
		newSecret, accessKeyID,
	)
	if err != nil {
		return fmt.Errorf("rotating access key %q: %w", accessKeyID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("access key not found: %s", accessKeyID)
	}
	return nil
}

// DeactivateAccessKey flips the active flag to false without deleting the row.
func (s *SQLiteStore) DeactivateAccessKey(ctx context.Context, accessKeyID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_keys SET is_active = 0 WHERE access_key_id = ?`,
		accessKeyID,
	)
	if err != nil {
		return fmt.Errorf("deactivating access key %q: %w", accessKeyID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("access key not found: %s", accessKeyID)
	}
	return nil
}

// DeleteAccessKey removes an access key record. Idempotent.
func (s *SQLiteStore) DeleteAccessKey(ctx context.Context, accessKeyID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM access_keys WHERE access_key_id = ?`, accessKeyID)
	if err != nil {
		return fmt.Errorf("deleting access key %q: %w", accessKeyID, err)
	}
	return nil
}

// ListAccessKeys returns all access key records, for admin tooling.
func (s *SQLiteStore) ListAccessKeys(ctx context.Context) ([]AccessKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT access_key_id, secret_access_key, owner_id, display_name, is_active,
				created_at, expires_at, policies, description
		 FROM access_keys ORDER BY access_key_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing access keys: %w", err)
	}
	defer rows.Close()

	var keys []AccessKeyRecord
	for rows.Next() {
		k, err := scanAccessKeyRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning access key row: %w", err)
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating access key rows: %w", err)
	}
	return keys, nil
}

// CleanupExpiredAccessKeys deactivates every access key whose ExpiresAt
// has passed, returning the count affected. This is the cleanup_expired
// hook named in spec.md §4.1.
func (s *SQLiteStore) CleanupExpiredAccessKeys(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_keys SET is_active = 0
		 WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired access keys: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(rows), nil
}

// ---- Helper functions ----

// nullString converts a Go string to sql.NullString. Empty strings become NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to a nullable RFC3339-formatted string.
func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

// escapeLikePattern escapes special LIKE characters (%, _) in a pattern
// using backslash as the escape character. The caller must append
// ESCAPE '\' to the LIKE clause.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// scanObjectRow scans an object row from a *sql.Row.
func scanObjectRow(row *sql.Row) (*ObjectRecord, error) {
	var obj ObjectRecord
	var contentEncoding, contentLanguage, contentDisposition, cacheControl, expires sql.NullString
	var aclStr, userMetaStr, lastModifiedStr string
	var deleteMarker int

	err := row.Scan(
		&obj.Bucket, &obj.Key, &obj.Size, &obj.ETag, &obj.ContentType,
		&contentEncoding, &contentLanguage, &contentDisposition,
		&cacheControl, &expires,
		&obj.StorageClass, &aclStr, &userMetaStr, &obj.StoragePath, &lastModifiedStr, &deleteMarker,
	)
	if err != nil {
		return nil, err
	}

	obj.ContentEncoding = contentEncoding.String
	obj.ContentLanguage = contentLanguage.String
	obj.ContentDisposition = contentDisposition.String
	obj.CacheControl = cacheControl.String
	obj.Expires = expires.String
	obj.ACL = json.RawMessage(aclStr)
	obj.LastModified, _ = time.Parse(timeFormat, lastModifiedStr)
	obj.DeleteMarker = deleteMarker != 0

	if userMetaStr != "" && userMetaStr != "{}" {
		obj.UserMetadata = make(map[string]string)
		json.Unmarshal([]byte(userMetaStr), &obj.UserMetadata)
	}

	return &obj, nil
}

// scanObjectRows scans an object row from *sql.Rows.
func scanObjectRows(rows *sql.Rows) (*ObjectRecord, error) {
	var obj ObjectRecord
	var contentEncoding, contentLanguage, contentDisposition, cacheControl, expires sql.NullString
	var aclStr, userMetaStr, lastModifiedStr string
	var deleteMarker int

	err := rows.Scan(
		&obj.Bucket, &obj.Key, &obj.Size, &obj.ETag, &obj.ContentType,
		&contentEncoding, &contentLanguage, &contentDisposition,
		&cacheControl, &expires,
		&obj.StorageClass, &aclStr, &userMetaStr, &obj.StoragePath, &lastModifiedStr, &deleteMarker,
	)
	if err != nil {
		return nil, err
	}

	obj.ContentEncoding = contentEncoding.String
	obj.ContentLanguage = contentLanguage.String
	obj.ContentDisposition = contentDisposition.String
	obj.CacheControl = cacheControl.String
	obj.Expires = expires.String
	obj.ACL = json.RawMessage(aclStr)
	obj.LastModified, _ = time.Parse(timeFormat, lastModifiedStr)
	obj.DeleteMarker = deleteMarker != 0

	if userMetaStr != "" && userMetaStr != "{}" {
		obj.UserMetadata = make(map[string]string)
		json.Unmarshal([]byte(userMetaStr), &obj.UserMetadata)
	}

	return &obj, nil
}

// scannableRow is satisfied by both *sql.Row and *sql.Rows.
type scannableRow interface {
	Scan(dest ...interface{}) error
}

func scanAccessKey(row scannableRow) (*AccessKeyRecord, error) {
	var c AccessKeyRecord
	var active int
	var createdAtStr string
	var expiresAtStr, policiesStr, description sql.NullString

	err := row.Scan(&c.AccessKeyID, &c.SecretKey, &c.OwnerID, &c.DisplayName, &active,
		&createdAtStr, &expiresAtStr, &policiesStr, &description)
	if err != nil {
		return nil, err
	}
	c.Active = active != 0
	c.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	if expiresAtStr.Valid {
		t, _ := time.Parse(timeFormat, expiresAtStr.String)
		c.ExpiresAt = &t
	}
	if policiesStr.Valid && policiesStr.String != "" {
		json.Unmarshal([]byte(policiesStr.String), &c.Policies)
	}
	c.Description = description.String
	return &c, nil
}

func scanAccessKeyRow(row *sql.Row) (*AccessKeyRecord, error) {
	c, err := scanAccessKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanAccessKeyRows(rows *sql.Rows) (*AccessKeyRecord, error) {
	return scanAccessKey(rows)
}
