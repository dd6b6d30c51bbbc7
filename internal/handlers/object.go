// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	s3err "github.com/coldvault/coldvault/internal/apierr"
	"github.com/coldvault/coldvault/internal/metadata"
	"github.com/coldvault/coldvault/internal/storage"
	"github.com/coldvault/coldvault/internal/xmlutil"
)

// ObjectHandler serves the object-level S3 operations: PUT/GET/HEAD/DELETE
// on a single key, batch delete, copy, listing, and object ACLs.
type ObjectHandler struct {
	meta         metadata.MetadataStore
	store        storage.StorageBackend
	ownerID      string
	ownerDisplay string
}

// NewObjectHandler creates a new ObjectHandler with the given dependencies.
func NewObjectHandler(meta metadata.MetadataStore, store storage.StorageBackend, ownerID, ownerDisplay string) *ObjectHandler {
	return &ObjectHandler{
		meta:         meta,
		store:        store,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
	}
}

// fetchBucket loads a bucket record, logging any storage-layer error under
// the given operation name for easier correlation in server logs.
func (h *ObjectHandler) fetchBucket(ctx context.Context, op, name string) (*metadata.BucketRecord, error) {
	b, err := h.meta.GetBucket(ctx, name)
	if err != nil {
		log.Printf("%s GetBucket error: %v", op, err)
		return nil, err
	}
	return b, nil
}

// fetchObjectRecord loads an object's catalog record.
func (h *ObjectHandler) fetchObjectRecord(ctx context.Context, op, bucket, key string) (*metadata.ObjectRecord, error) {
	rec, err := h.meta.GetObject(ctx, bucket, key)
	if err != nil {
		log.Printf("%s GetObject error: %v", op, err)
		return nil, err
	}
	return rec, nil
}

// resolveRequestACL builds the ACL JSON for a write operation: a canned ACL
// from the x-amz-acl header if present, otherwise the default private ACL.
func (h *ObjectHandler) resolveRequestACL(r *http.Request) json.RawMessage {
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		return aclToJSON(parseCannedACL(canned, h.ownerID, h.ownerDisplay))
	}
	return defaultPrivateACL(h.ownerID, h.ownerDisplay)
}

// PutObject handles PUT /{bucket}/{object}. It follows the storage-first
// write order: the payload is committed to the storage backend (temp file,
// fsync, atomic rename) before the catalog row is written, so a reader can
// never observe a catalog entry for bytes that aren't durable yet.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
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
	if len(key) > 1024 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}

	bucket, err := h.fetchBucket(ctx, "PutObject", bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	userMeta := extractUserMetadata(r)
	aclJSON := h.resolveRequestACL(r)

	bytesWritten, etag, err := h.store.PutObject(ctx, bucketName, key, r.Body, r.ContentLength)
	if err != nil {
		log.Printf("PutObject storage error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	rec := &metadata.ObjectRecord{
		Bucket:             bucketName,
		Key:                key,
		Size:               bytesWritten,
		ETag:               etag,
		ContentType:        contentType,
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       "STANDARD",
		ACL:                aclJSON,
		UserMetadata:       userMeta,
		LastModified:       now,
	}

	if err := h.meta.PutObject(ctx, rec); err != nil {
		log.Printf("PutObject metadata error: %v", err)
		// The blob already landed on disk; the orphan is harmless and will
		// be picked up (or simply ignored) the next time this key is written.
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// HeadObject handles HEAD /{bucket}/{object}, returning metadata headers
// with no body. Errors are reported as bare status codes per the HEAD
// contract -- there is no response body to carry an XML error document.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, err := h.fetchBucket(ctx, "HeadObject", bucketName)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if bucket == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	obj, err := h.fetchObjectRecord(ctx, "HeadObject", bucketName, key)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if status, shortCircuit := checkConditionalHeaders(r, obj.ETag, obj.LastModified); shortCircuit {
		w.Header().Set("ETag", obj.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
		w.WriteHeader(status)
		return
	}

	setObjectResponseHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{object}. It honors conditional headers
// (If-Match, If-None-Match, If-Modified-Since, If-Unmodified-Since) and byte
// ranges (Range).
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, err := h.fetchBucket(ctx, "GetObject", bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	obj, err := h.fetchObjectRecord(ctx, "GetObject", bucketName, key)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	if status, shortCircuit := checkConditionalHeaders(r, obj.ETag, obj.LastModified); shortCircuit {
		w.Header().Set("ETag", obj.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
		if status == http.StatusNotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	body, _, _, err := h.store.GetObject(ctx, bucketName, key)
	if err != nil {
		log.Printf("GetObject storage error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer body.Close()

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		h.streamRange(w, r, body, obj, rangeHeader)
		return
	}

	setObjectResponseHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

// streamRange serves a single-range GET response (HTTP 206) for the given
// reader, or a 416 if the requested range cannot be satisfied.
func (h *ObjectHandler) streamRange(w http.ResponseWriter, r *http.Request, body io.Reader, obj *metadata.ObjectRecord, rangeHeader string) {
	start, end, err := parseRange(rangeHeader, obj.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
		return
	}

	if seeker, ok := body.(io.ReadSeeker); ok {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			log.Printf("GetObject seek error: %v", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
	} else if _, err := io.CopyN(io.Discard, body, start); err != nil {
		log.Printf("GetObject discard error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	length := end - start + 1
	setObjectResponseHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, obj.Size))
	w.WriteHeader(http.StatusPartialContent)
	io.CopyN(w, body, length)
}

// DeleteObject handles DELETE /{bucket}/{object}. The catalog row is
// removed before the blob so a concurrent GET never sees metadata for a
// file that has already vanished; deleting an absent key still returns 204.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, err := h.fetchBucket(ctx, "DeleteObject", bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	if err := h.meta.DeleteObject(ctx, bucketName, key); err != nil {
		log.Printf("DeleteObject metadata error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if err := h.store.DeleteObject(ctx, bucketName, key); err != nil {
		// The catalog row is already gone; a lingering blob is an orphan,
		// not a correctness problem, so the request still succeeds.
		log.Printf("DeleteObject storage error: %v", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete, a bulk delete of the keys
// listed in the XML request body.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)

	bucket, err := h.fetchBucket(ctx, "DeleteObjects", bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	req, err := parseDeleteRequest(r.Body)
	if err != nil {
		log.Printf("DeleteObjects XML parse error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	result := &xmlutil.DeleteResult{}
	for _, obj := range req.Objects {
		if err := h.meta.DeleteObject(ctx, bucketName, obj.Key); err != nil {
			log.Printf("DeleteObjects metadata error for key %q: %v", obj.Key, err)
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     obj.Key,
				Code:    "InternalError",
				Message: "We encountered an internal error. Please try again.",
			})
			continue
		}

		if err := h.store.DeleteObject(ctx, bucketName, obj.Key); err != nil {
			log.Printf("DeleteObjects storage error for key %q: %v", obj.Key, err)
		}

		if !req.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: obj.Key})
		}
	}

	xmlutil.Render(w, result)
}

// CopyObject handles PUT /{bucket}/{object} with an X-Amz-Copy-Source
// header. The metadata directive controls whether the destination record
// reuses the source's metadata (COPY, the default) or is rebuilt from the
// request headers (REPLACE).
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	dstBucket := extractBucketName(r)
	dstKey := extractObjectKey(r)
	if dstKey == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	dstBucketRec, err := h.fetchBucket(ctx, "CopyObject(dst)", dstBucket)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if dstBucketRec == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	srcBucketRec, err := h.fetchBucket(ctx, "CopyObject(src)", srcBucket)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcBucketRec == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	srcObj, err := h.fetchObjectRecord(ctx, "CopyObject(src)", srcBucket, srcKey)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcObj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	newETag, err := h.store.CopyObject(ctx, srcBucket, srcKey, dstBucket, dstKey)
	if err != nil {
		log.Printf("CopyObject storage error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	now := time.Now().UTC()

	var dstObj *metadata.ObjectRecord
	if directive == "REPLACE" {
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		dstObj = &metadata.ObjectRecord{
			Bucket:             dstBucket,
			Key:                dstKey,
			Size:               srcObj.Size,
			ETag:               newETag,
			ContentType:        contentType,
			ContentEncoding:    r.Header.Get("Content-Encoding"),
			ContentLanguage:    r.Header.Get("Content-Language"),
			ContentDisposition: r.Header.Get("Content-Disposition"),
			CacheControl:       r.Header.Get("Cache-Control"),
			Expires:            r.Header.Get("Expires"),
			StorageClass:       "STANDARD",
			ACL:                h.resolveRequestACL(r),
			UserMetadata:       extractUserMetadata(r),
			LastModified:       now,
		}
	} else {
		dstObj = &metadata.ObjectRecord{
			Bucket:             dstBucket,
			Key:                dstKey,
			Size:               srcObj.Size,
			ETag:               newETag,
			ContentType:        srcObj.ContentType,
			ContentEncoding:    srcObj.ContentEncoding,
			ContentLanguage:    srcObj.ContentLanguage,
			ContentDisposition: srcObj.ContentDisposition,
			CacheControl:       srcObj.CacheControl,
			Expires:            srcObj.Expires,
			StorageClass:       srcObj.StorageClass,
			ACL:                srcObj.ACL,
			UserMetadata:       srcObj.UserMetadata,
			LastModified:       now,
		}
	}

	if err := h.meta.PutObject(ctx, dstObj); err != nil {
		log.Printf("CopyObject metadata error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Render(w, &xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(now),
		ETag:         newETag,
	})
}

// ListObjects handles GET /{bucket}, the V1 listing API.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	bucket, err := h.fetchBucket(ctx, "ListObjects", bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")
	maxKeys := parseMaxKeys(q)

	listResult, err := h.meta.ListObjects(ctx, bucketName, metadata.ListObjectsOptions{
		Prefix:    prefix,
		Delimiter: delimiter,
		Marker:    marker,
		MaxKeys:   maxKeys,
	})
	if err != nil {
		log.Printf("ListObjects ListObjects error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListBucketResult{
		Name:        bucketName,
		Prefix:      prefix,
		Marker:      marker,
		MaxKeys:     maxKeys,
		IsTruncated: listResult.IsTruncated,
	}
	if delimiter != "" {
		result.Delimiter = delimiter
	}
	if listResult.IsTruncated && listResult.NextMarker != "" {
		result.NextMarker = listResult.NextMarker
	}
	result.Contents = toXMLObjects(listResult.Objects)
	result.CommonPrefixes = toXMLCommonPrefixes(listResult.CommonPrefixes)

	xmlutil.Render(w, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2, the V2 listing API.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	bucket, err := h.fetchBucket(ctx, "ListObjectsV2", bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	continuationToken := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")
	maxKeys := parseMaxKeys(q)

	listResult, err := h.meta.ListObjects(ctx, bucketName, metadata.ListObjectsOptions{
		Prefix:            prefix,
		Delimiter:         delimiter,
		StartAfter:        startAfter,
		ContinuationToken: continuationToken,
		MaxKeys:           maxKeys,
	})
	if err != nil {
		log.Printf("ListObjectsV2 ListObjects error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListBucketV2Result{
		Name:         bucketName,
		Prefix:       prefix,
		MaxKeys:      maxKeys,
		KeyCount:     len(listResult.Objects),
		IsTruncated:  listResult.IsTruncated,
		EncodingType: encodingType,
	}
	if delimiter != "" {
		result.Delimiter = delimiter
	}
	if startAfter != "" {
		result.StartAfter = startAfter
	}
	if continuationToken != "" {
		result.ContinuationToken = continuationToken
	}
	if listResult.IsTruncated && listResult.NextContinuationToken != "" {
		result.NextContinuationToken = listResult.NextContinuationToken
	}
	result.Contents = toXMLObjects(listResult.Objects)
	result.CommonPrefixes = toXMLCommonPrefixes(listResult.CommonPrefixes)

	xmlutil.Render(w, result)
}

// parseMaxKeys parses the max-keys query parameter, defaulting to the S3
// standard page size of 1000 keys.
func parseMaxKeys(q url.Values) int {
	const defaultMaxKeys = 1000
	mk := q.Get("max-keys")
	if mk == "" {
		return defaultMaxKeys
	}
	parsed, err := strconv.Atoi(mk)
	if err != nil || parsed < 0 {
		return defaultMaxKeys
	}
	return parsed
}

func toXMLObjects(objs []metadata.ObjectRecord) []xmlutil.Object {
	out := make([]xmlutil.Object, 0, len(objs))
	for _, obj := range objs {
		out = append(out, xmlutil.Object{
			Key:          obj.Key,
			LastModified: xmlutil.FormatTimeS3(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: obj.StorageClass,
		})
	}
	return out
}

func toXMLCommonPrefixes(prefixes []string) []xmlutil.CommonPrefix {
	out := make([]xmlutil.CommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, xmlutil.CommonPrefix{Prefix: p})
	}
	return out
}

// PutObjectAcl handles PUT /{bucket}/{object}?acl. Exactly one of a canned
// ACL header or an XML AccessControlPolicy body is honored; neither present
// falls back to a private ACL.
func (h *ObjectHandler) PutObjectAcl(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, err := h.fetchBucket(ctx, "PutObjectAcl", bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	obj, err := h.fetchObjectRecord(ctx, "PutObjectAcl", bucketName, key)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	var acp *xmlutil.AccessControlPolicy
	switch {
	case r.Header.Get("x-amz-acl") != "":
		acp = parseCannedACL(r.Header.Get("x-amz-acl"), h.ownerID, h.ownerDisplay)
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
		acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
	}

	if err := h.meta.UpdateObjectAcl(ctx, bucketName, key, aclToJSON(acp)); err != nil {
		log.Printf("PutObjectAcl update error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetObjectAcl handles GET /{bucket}/{object}?acl.
func (h *ObjectHandler) GetObjectAcl(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, err := h.fetchBucket(ctx, "GetObjectAcl", bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	obj, err := h.fetchObjectRecord(ctx, "GetObjectAcl", bucketName, key)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	acp := aclFromJSON(obj.ACL)
	if acp == nil {
		acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
	}
	acp.Owner = xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay}

	xmlutil.Render(w, acp)
}

// extractObjectKey returns everything in the URL path after the bucket
// name segment.
func extractObjectKey(r *http.Request) string {
	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}
