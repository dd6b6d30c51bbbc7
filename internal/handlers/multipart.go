package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	s3err "github.com/coldvault/coldvault/internal/apierr"
	"github.com/coldvault/coldvault/internal/auth"
	"github.com/coldvault/coldvault/internal/metadata"
	"github.com/coldvault/coldvault/internal/storage"
	"github.com/coldvault/coldvault/internal/xmlutil"
)

const minMultipartPartSize = 5 * 1024 * 1024 // 5 MiB, enforced on all but the last part

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	meta          metadata.MetadataStore
	store         storage.StorageBackend
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

// NewMultipartHandler creates a new MultipartHandler with the given dependencies.
func NewMultipartHandler(meta metadata.MetadataStore, store storage.StorageBackend, ownerID, ownerDisplay string, maxObjectSize int64) *MultipartHandler {
	return &MultipartHandler{
		meta:          meta,
		store:         store,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

// requireUpload loads an in-progress multipart upload record, writing
// NoSuchUpload or InternalError as appropriate when it cannot be resolved.
func (h *MultipartHandler) requireUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, op, bucket, key, uploadID string) (*metadata.MultipartUploadRecord, bool) {
	upload, err := h.meta.GetMultipartUpload(ctx, bucket, key, uploadID)
	if err != nil {
		slog.Error(op+" GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return nil, false
	}
	return upload, true
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads, initiating
// a new multipart upload and returning its upload ID.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("CreateMultipartUpload GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	// The auth middleware may have resolved a different caller identity than
	// the handler's static default; prefer it when present.
	ownerID, ownerDisplay := h.ownerID, h.ownerDisplay
	if ctxOwner, ctxDisplay := auth.OwnerFromContext(ctx); ctxOwner != "" {
		ownerID, ownerDisplay = ctxOwner, ctxDisplay
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var aclJSON json.RawMessage
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		aclJSON = aclToJSON(parseCannedACL(canned, ownerID, ownerDisplay))
	} else {
		aclJSON = defaultPrivateACL(ownerID, ownerDisplay)
	}

	uploadID, err := h.meta.CreateMultipartUpload(ctx, &metadata.MultipartUploadRecord{
		Bucket:             bucketName,
		Key:                key,
		ContentType:        contentType,
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       "STANDARD",
		ACL:                aclJSON,
		UserMetadata:       extractUserMetadata(r),
		OwnerID:            ownerID,
		OwnerDisplay:       ownerDisplay,
		InitiatedAt:        time.Now().UTC(),
	})
	if err != nil {
		slog.Error("CreateMultipartUpload metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Render(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID,
// storing a single part. A request carrying X-Amz-Copy-Source is routed to
// uploadPartCopy instead of reading a body.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	if r.Header.Get("X-Amz-Copy-Source") != "" {
		h.uploadPartCopy(w, r, bucketName, key, q)
		return
	}

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	partNumber, err := parsePartNumber(q.Get("partNumber"))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if h.maxObjectSize > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	if _, ok := h.requireUpload(ctx, w, r, "UploadPart", bucketName, key, uploadID); !ok {
		return
	}

	etag, err := h.store.PutPart(ctx, bucketName, key, uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		slog.Error("UploadPart storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	// Content-Length is the only size signal available here; a chunked
	// request with no declared length is recorded with size 0.
	partSize := r.ContentLength
	if partSize < 0 {
		partSize = 0
	}

	if err := h.meta.PutPart(ctx, &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         partSize,
		ETag:         etag,
		LastModified: time.Now().UTC(),
	}); err != nil {
		slog.Error("UploadPart metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// parsePartNumber validates an S3 part number, which must fall in [1, 10000].
func parsePartNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 10000 {
		return 0, fmt.Errorf("invalid part number %q", s)
	}
	return n, nil
}

// uploadPartCopy handles PUT .../{object}?partNumber=N&uploadId=ID with an
// X-Amz-Copy-Source header, copying (a range of) an existing object's bytes
// into a part.
func (h *MultipartHandler) uploadPartCopy(w http.ResponseWriter, r *http.Request, bucketName, key string, q url.Values) {
	ctx := r.Context()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	partNumber, err := parsePartNumber(q.Get("partNumber"))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, ok := h.requireUpload(ctx, w, r, "UploadPartCopy", bucketName, key, uploadID); !ok {
		return
	}

	srcBucketRec, err := h.meta.GetBucket(ctx, srcBucket)
	if err != nil {
		slog.Error("UploadPartCopy GetBucket (src) error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcBucketRec == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	srcObj, err := h.meta.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		slog.Error("UploadPartCopy GetObject (src) error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcObj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	srcBody, _, _, err := h.store.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		slog.Error("UploadPartCopy GetObject storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer srcBody.Close()

	var partReader io.Reader = srcBody
	var partSize int64 = srcObj.Size

	if copyRange := r.Header.Get("X-Amz-Copy-Source-Range"); copyRange != "" {
		start, end, rangeErr := parseRange(copyRange, srcObj.Size)
		if rangeErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}

		if seeker, seekOK := srcBody.(io.ReadSeeker); seekOK {
			if _, seekErr := seeker.Seek(start, io.SeekStart); seekErr != nil {
				slog.Error("UploadPartCopy seek error", "error", seekErr)
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
				return
			}
		} else if _, discardErr := io.CopyN(io.Discard, srcBody, start); discardErr != nil {
			slog.Error("UploadPartCopy discard error", "error", discardErr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}

		partSize = end - start + 1
		partReader = io.LimitReader(srcBody, partSize)
	}

	etag, err := h.store.PutPart(ctx, bucketName, key, uploadID, partNumber, partReader, -1)
	if err != nil {
		slog.Error("UploadPartCopy storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	if err := h.meta.PutPart(ctx, &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         partSize,
		ETag:         etag,
		LastModified: now,
	}); err != nil {
		slog.Error("UploadPartCopy metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Render(w, &xmlutil.CopyPartResult{
		ETag:         etag,
		LastModified: xmlutil.FormatTimeS3(now),
	})
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID,
// validating and assembling the uploaded parts into a single object.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, ok := h.requireUpload(ctx, w, r, "CompleteMultipartUpload", bucketName, key, uploadID)
	if !ok {
		return
	}

	parts, err := parseCompleteMultipartXML(r.Body)
	if err != nil {
		slog.Error("CompleteMultipartUpload XML parse error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(parts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	partNumbers := make([]int, len(parts))
	for i, p := range parts {
		partNumbers[i] = p.PartNumber
	}

	storedParts, err := h.meta.GetPartsForCompletion(ctx, uploadID, partNumbers)
	if err != nil {
		slog.Error("CompleteMultipartUpload GetPartsForCompletion error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	storedMap := make(map[int]metadata.PartRecord, len(storedParts))
	for _, sp := range storedParts {
		storedMap[sp.PartNumber] = sp
	}

	if s3errResp := validateCompletionParts(parts, storedMap); s3errResp != nil {
		xmlutil.WriteErrorResponse(w, r, s3errResp)
		return
	}

	// The catalog-recorded ETag for each part, in request order, lets the
	// backend derive the composite ETag without re-reading part content.
	partETags := make([]string, len(partNumbers))
	var totalSize int64
	for i, pn := range partNumbers {
		partETags[i] = storedMap[pn].ETag
		totalSize += storedMap[pn].Size
	}

	compositeETag, err := h.store.AssembleParts(ctx, bucketName, key, uploadID, partNumbers, partETags)
	if err != nil {
		slog.Error("CompleteMultipartUpload AssembleParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	obj := &metadata.ObjectRecord{
		Bucket:             bucketName,
		Key:                key,
		Size:               totalSize,
		ETag:               compositeETag,
		ContentType:        upload.ContentType,
		ContentEncoding:    upload.ContentEncoding,
		ContentLanguage:    upload.ContentLanguage,
		ContentDisposition: upload.ContentDisposition,
		CacheControl:       upload.CacheControl,
		Expires:            upload.Expires,
		StorageClass:       upload.StorageClass,
		ACL:                upload.ACL,
		UserMetadata:       upload.UserMetadata,
		LastModified:       time.Now().UTC(),
	}

	// Inserts the object row and removes the upload/part rows as one
	// transaction so a crash mid-completion never leaves both states live.
	if err := h.meta.CompleteMultipartUpload(ctx, bucketName, key, uploadID, obj); err != nil {
		slog.Error("CompleteMultipartUpload metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Render(w, &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucketName, key),
		Bucket:   bucketName,
		Key:      key,
		ETag:     compositeETag,
	})
}

// validateCompletionParts checks that every requested part was actually
// uploaded, that its ETag matches the catalog record, and that every part
// but the last meets the minimum part size. Returns nil if all parts pass.
func validateCompletionParts(parts []CompletePart, storedMap map[int]metadata.PartRecord) *s3err.S3Error {
	for i, p := range parts {
		stored, ok := storedMap[p.PartNumber]
		if !ok {
			return s3err.ErrInvalidPart
		}
		if strings.Trim(p.ETag, `"`) != strings.Trim(stored.ETag, `"`) {
			return s3err.ErrInvalidPart
		}
		if i < len(parts)-1 && stored.Size < minMultipartPartSize {
			return s3err.ErrEntityTooSmall
		}
	}
	return nil
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID,
// discarding an in-progress upload and its parts.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, ok := h.requireUpload(ctx, w, r, "AbortMultipartUpload", bucketName, key, uploadID); !ok {
		return
	}

	if err := h.store.DeleteParts(ctx, bucketName, key, uploadID); err != nil {
		// The metadata deletion below is authoritative; orphaned part files
		// are harmless and get no further cleanup here.
		slog.Error("AbortMultipartUpload storage error", "error", err)
	}

	if err := h.meta.AbortMultipartUpload(ctx, bucketName, key, uploadID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("AbortMultipartUpload metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("ListMultipartUploads GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")
	maxUploads := parseBoundedInt(q.Get("max-uploads"), 1000)

	listResult, err := h.meta.ListMultipartUploads(ctx, bucketName, metadata.ListUploadsOptions{
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		Prefix:         q.Get("prefix"),
		Delimiter:      q.Get("delimiter"),
		MaxUploads:     maxUploads,
	})
	if err != nil {
		slog.Error("ListMultipartUploads error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:             bucketName,
		KeyMarker:          keyMarker,
		UploadIDMarker:     uploadIDMarker,
		MaxUploads:         maxUploads,
		IsTruncated:        listResult.IsTruncated,
		NextKeyMarker:      listResult.NextKeyMarker,
		NextUploadIDMarker: listResult.NextUploadIDMarker,
	}
	for _, u := range listResult.Uploads {
		owner := xmlutil.Owner{ID: u.OwnerID, DisplayName: u.OwnerDisplay}
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiator: owner,
			Owner:     owner,
			Initiated: xmlutil.FormatTimeS3(u.InitiatedAt),
		})
	}
	for _, cp := range listResult.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: cp})
	}

	xmlutil.Render(w, result)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, ok := h.requireUpload(ctx, w, r, "ListParts", bucketName, key, uploadID); !ok {
		return
	}

	partNumberMarker := parseIntOrDefault(q.Get("part-number-marker"), 0)
	maxParts := parseBoundedInt(q.Get("max-parts"), 1000)

	listResult, err := h.meta.ListParts(ctx, uploadID, metadata.ListPartsOptions{
		PartNumberMarker: partNumberMarker,
		MaxParts:         maxParts,
	})
	if err != nil {
		slog.Error("ListParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListPartsResult{
		Bucket:               bucketName,
		Key:                  key,
		UploadID:             uploadID,
		PartNumberMarker:     partNumberMarker,
		NextPartNumberMarker: listResult.NextPartNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          listResult.IsTruncated,
	}
	for _, p := range listResult.Parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}

	xmlutil.Render(w, result)
}

// parseBoundedInt parses a non-negative integer query parameter, returning
// def if the parameter is absent, malformed, or negative.
func parseBoundedInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// parseIntOrDefault parses an integer query parameter, returning def if the
// parameter is absent or malformed. Unlike parseBoundedInt it does not
// reject negative values.
func parseIntOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
