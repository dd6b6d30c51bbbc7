// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	s3err "github.com/coldvault/coldvault/internal/apierr"
	"github.com/coldvault/coldvault/internal/metadata"
	"github.com/coldvault/coldvault/internal/storage"
	"github.com/coldvault/coldvault/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations.
type BucketHandler struct {
	meta         metadata.MetadataStore
	store        storage.StorageBackend
	ownerID      string
	ownerDisplay string
	region       string
}

// NewBucketHandler creates a new BucketHandler with the given dependencies.
func NewBucketHandler(meta metadata.MetadataStore, store storage.StorageBackend, ownerID, ownerDisplay, region string) *BucketHandler {
	return &BucketHandler{
		meta:         meta,
		store:        store,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
	}
}

// requireBucket loads a bucket record and writes the appropriate XML error
// response (500 or NoSuchBucket) when it cannot be resolved. Returns nil in
// both failure cases; callers should return immediately when ok is false.
func (h *BucketHandler) requireBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, op, name string) (rec *metadata.BucketRecord, ok bool) {
	bucket, err := h.meta.GetBucket(ctx, name)
	if err != nil {
		slog.Error(op+" error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return nil, false
	}
	return bucket, true
}

// ListBuckets handles GET / and returns every bucket owned by the
// authenticated sender of the request.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	buckets, err := h.meta.ListBuckets(r.Context(), h.ownerID)
	if err != nil {
		slog.Error("ListBuckets error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlBuckets := make([]xmlutil.Bucket, 0, len(buckets))
	for _, b := range buckets {
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}

	xmlutil.Render(w, &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{
			ID:          h.ownerID,
			DisplayName: h.ownerDisplay,
		},
		Buckets: xmlBuckets,
	})
}

// CreateBucket handles PUT /{bucket}. Creation is idempotent for the owning
// account: re-creating your own bucket returns 200 (BucketAlreadyOwnedByYou)
// rather than an error, matching S3's us-east-1 behavior.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)

	if errMsg := validateBucketName(bucketName); errMsg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		return
	}

	aclJSON := aclToJSON(parseCannedACL(r.Header.Get("x-amz-acl"), h.ownerID, h.ownerDisplay))
	region := h.resolveCreateBucketRegion(r)

	existing, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("CreateBucket GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if existing != nil {
		if existing.OwnerID == h.ownerID {
			w.Header().Set("Location", "/"+bucketName)
			w.WriteHeader(http.StatusOK)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyExists)
		return
	}

	record := &metadata.BucketRecord{
		Name:         bucketName,
		Region:       region,
		OwnerID:      h.ownerID,
		OwnerDisplay: h.ownerDisplay,
		ACL:          aclJSON,
		CreatedAt:    time.Now().UTC(),
	}

	if err := h.meta.CreateBucket(ctx, record); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			// Lost the race with a concurrent CreateBucket for the same name.
			w.Header().Set("Location", "/"+bucketName)
			w.WriteHeader(http.StatusOK)
			return
		}
		slog.Error("CreateBucket metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if err := h.store.CreateBucket(ctx, bucketName); err != nil {
		// The catalog row exists even if the backing directory doesn't yet;
		// it will be created lazily on the first object write.
		slog.Error("CreateBucket storage error", "error", err)
	}

	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// resolveCreateBucketRegion determines the bucket's region constraint from
// an optional CreateBucketConfiguration XML body, falling back to the
// gateway's configured default region.
func (h *BucketHandler) resolveCreateBucketRegion(r *http.Request) string {
	if r.ContentLength <= 0 && r.Header.Get("Content-Length") == "" {
		return h.region
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB cap
	if err != nil || len(body) == 0 {
		return h.region
	}
	return parseCreateBucketRegion(body, h.region)
}

// DeleteBucket handles DELETE /{bucket}. The bucket must be empty; the
// metadata store enforces this and reports the distinction between
// not-found and not-empty.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)

	if err := h.meta.DeleteBucket(ctx, bucketName); err != nil {
		switch {
		case strings.Contains(err.Error(), "not found"):
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		case strings.Contains(err.Error(), "not empty"):
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketNotEmpty)
		default:
			slog.Error("DeleteBucket error", "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		}
		return
	}

	if err := h.store.DeleteBucket(ctx, bucketName); err != nil {
		slog.Error("DeleteBucket storage cleanup error", "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	bucket, err := h.meta.GetBucket(r.Context(), extractBucketName(r))
	if err != nil {
		slog.Error("HeadBucket error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if bucket == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("x-amz-bucket-region", bucket.Region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	bucket, ok := h.requireBucket(r.Context(), w, r, "GetBucketLocation", extractBucketName(r))
	if !ok {
		return
	}

	// us-east-1 is represented as an empty LocationConstraint element.
	location := bucket.Region
	if location == "us-east-1" {
		location = ""
	}
	xmlutil.RenderLocationConstraint(w, location)
}

// GetBucketAcl handles GET /{bucket}?acl.
func (h *BucketHandler) GetBucketAcl(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	bucket, ok := h.requireBucket(r.Context(), w, r, "GetBucketAcl", extractBucketName(r))
	if !ok {
		return
	}

	acp := aclFromJSON(bucket.ACL)
	if acp == nil {
		acp = parseCannedACL("private", bucket.OwnerID, bucket.OwnerDisplay)
	}
	acp.Owner = xmlutil.Owner{ID: bucket.OwnerID, DisplayName: bucket.OwnerDisplay}

	xmlutil.Render(w, acp)
}

// PutBucketAcl handles PUT /{bucket}?acl. Exactly one of a canned ACL
// header or an XML AccessControlPolicy body is honored; neither present
// falls back to a private ACL.
func (h *BucketHandler) PutBucketAcl(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	bucket, ok := h.requireBucket(ctx, w, r, "PutBucketAcl", bucketName)
	if !ok {
		return
	}

	var acp *xmlutil.AccessControlPolicy
	switch {
	case r.Header.Get("x-amz-acl") != "":
		acp = parseCannedACL(r.Header.Get("x-amz-acl"), bucket.OwnerID, bucket.OwnerDisplay)
	case r.ContentLength > 0:
		body, readErr := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB cap
		if readErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
		acp = &xmlutil.AccessControlPolicy{}
		if xmlErr := xml.Unmarshal(body, acp); xmlErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
	default:
		acp = parseCannedACL("private", bucket.OwnerID, bucket.OwnerDisplay)
	}

	if err := h.meta.UpdateBucketAcl(ctx, bucketName, aclToJSON(acp)); err != nil {
		slog.Error("PutBucketAcl update error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// parseCreateBucketRegion extracts LocationConstraint from a
// CreateBucketConfiguration XML body, falling back to defaultRegion if
// parsing fails or no constraint is given.
func parseCreateBucketRegion(body []byte, defaultRegion string) string {
	var config struct {
		XMLName            xml.Name `xml:"CreateBucketConfiguration"`
		LocationConstraint string   `xml:"LocationConstraint"`
	}
	if err := xml.Unmarshal(body, &config); err != nil || config.LocationConstraint == "" {
		return defaultRegion
	}
	return config.LocationConstraint
}
