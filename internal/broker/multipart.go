package broker

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/drone-ingest/internal/api"
	"github.com/fpang/drone-ingest/internal/imagery"
)

const (
	// maxParts is the S3 maximum number of parts in a multipart upload.
	maxParts = 10000
	// defaultExpiryHours applies when a sign request leaves expiry unset.
	defaultExpiryHours = 1
	// maxExpiryHours is the SigV4 presign ceiling (7 days).
	maxExpiryHours = 7 * 24
	// projectTag is the cost-allocation tag applied to every object.
	projectTag = "drone-ingest"
)

// --- Initiate ---

// POST /projects/initiate-multipart-upload/
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req api.InitiateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := validateID("project_id", req.ProjectID); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.FileName = filepath.Base(req.FileName)
	if err := validateFilename(req.FileName); err != nil {
		log.Warn().Err(err).Str("fileName", req.FileName).Msg("File name validation failed")
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !imagery.IsSupported(filepath.Ext(req.FileName)) {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s", filepath.Ext(req.FileName)))
		return
	}
	if !req.Staging {
		if req.TaskID == nil {
			httpError(w, http.StatusBadRequest, "task_id is required for non-staging uploads")
			return
		}
		if err := validateID("task_id", *req.TaskID); err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	key := objectKey(req.ProjectID, req.FileName, req.Staging, req.TaskID)
	contentType := imagery.ContentType(req.FileName)

	log.Info().
		Str("projectId", req.ProjectID).
		Str("fileName", req.FileName).
		Bool("staging", req.Staging).
		Str("key", key).
		Msg("Creating multipart upload")

	out, err := s.s3.CreateMultipartUpload(r.Context(), &s3.CreateMultipartUploadInput{
		Bucket:      &s.bucket,
		Key:         &key,
		ContentType: &contentType,
		Tagging:     aws.String("Project=" + projectTag),
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to create multipart upload")
		httpError(w, http.StatusInternalServerError, "failed to create multipart upload")
		return
	}

	respondJSON(w, http.StatusOK, api.InitiateResponse{
		UploadID: aws.ToString(out.UploadId),
		FileKey:  key,
	})
}

// --- Sign ---

// POST /projects/sign-part-upload/
//
// Presign failures answer 503 so the client retries the part; the upload
// reservation stays in place until the client completes or aborts it.
func (s *Server) handleSignPart(w http.ResponseWriter, r *http.Request) {
	var req api.SignPartRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.UploadID == "" || req.FileKey == "" {
		httpError(w, http.StatusBadRequest, "upload_id and file_key are required")
		return
	}
	if err := validateFileKey(req.FileKey); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PartNumber < 1 || req.PartNumber > maxParts {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("part_number must be between 1 and %d", maxParts))
		return
	}
	expiry := req.Expiry
	if expiry == 0 {
		expiry = defaultExpiryHours
	}
	if expiry < 0 || expiry > maxExpiryHours {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("expiry must be between 1 and %d hours", maxExpiryHours))
		return
	}

	partNumber := int32(req.PartNumber)
	presigned, err := s.presigner.PresignUploadPart(r.Context(), &s3.UploadPartInput{
		Bucket:     &s.bucket,
		Key:        &req.FileKey,
		UploadId:   &req.UploadID,
		PartNumber: &partNumber,
	}, s3.WithPresignExpires(time.Duration(expiry)*time.Hour))
	if err != nil {
		log.Error().Err(err).Str("key", req.FileKey).Int("partNumber", req.PartNumber).Msg("Failed to presign upload part")
		httpError(w, http.StatusServiceUnavailable, "failed to presign upload part")
		return
	}

	log.Debug().Str("key", req.FileKey).Int("partNumber", req.PartNumber).Int("expiryHours", expiry).Msg("Presigned upload part")
	respondJSON(w, http.StatusOK, map[string]string{"url": presigned.URL})
}

// --- Complete ---

// POST /projects/complete-multipart-upload/
//
// Staging uploads carry a batch_id. The assembled object is tagged with it
// so classification can find every member of the batch.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.UploadID == "" || req.FileKey == "" || len(req.Parts) == 0 {
		httpError(w, http.StatusBadRequest, "upload_id, file_key, and parts are required")
		return
	}
	if err := validateFileKey(req.FileKey); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProjectID != "" && req.ProjectID != keyProject(req.FileKey) {
		httpError(w, http.StatusBadRequest, "file_key does not belong to project_id")
		return
	}
	if req.BatchID != "" {
		if err := validateBatchID(req.BatchID); err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if len(req.Parts) > maxParts {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("too many parts: %d (max %d)", len(req.Parts), maxParts))
		return
	}

	s3Parts := make([]s3types.CompletedPart, len(req.Parts))
	prev := 0
	for i, p := range req.Parts {
		if p.PartNumber <= prev || p.PartNumber > maxParts || p.ETag == "" {
			httpError(w, http.StatusBadRequest, "parts must be in ascending part_number order with an etag each")
			return
		}
		prev = p.PartNumber
		s3Parts[i] = s3types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}

	log.Info().
		Str("key", req.FileKey).
		Str("uploadId", req.UploadID).
		Str("batchId", req.BatchID).
		Int("parts", len(req.Parts)).
		Msg("Completing multipart upload")

	_, err := s.s3.CompleteMultipartUpload(r.Context(), &s3.CompleteMultipartUploadInput{
		Bucket:   &s.bucket,
		Key:      &req.FileKey,
		UploadId: &req.UploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: s3Parts,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("key", req.FileKey).Str("uploadId", req.UploadID).Msg("Failed to complete multipart upload")
		httpError(w, http.StatusInternalServerError, "failed to complete multipart upload")
		return
	}

	if req.BatchID != "" {
		if err := s.tagBatch(r, req.FileKey, req.BatchID); err != nil {
			log.Error().Err(err).Str("key", req.FileKey).Str("batchId", req.BatchID).Msg("Failed to tag object with batch")
			httpError(w, http.StatusInternalServerError, "upload assembled but batch tagging failed")
			return
		}
	}

	log.Info().Str("key", req.FileKey).Str("uploadId", req.UploadID).Msg("Multipart upload completed successfully")
	respondJSON(w, http.StatusOK, map[string]string{"file_key": req.FileKey})
}

// tagBatch replaces the object's tag set, so the cost-allocation tag is
// written again alongside BatchId.
func (s *Server) tagBatch(r *http.Request, key, batchID string) error {
	_, err := s.s3.PutObjectTagging(r.Context(), &s3.PutObjectTaggingInput{
		Bucket: &s.bucket,
		Key:    &key,
		Tagging: &s3types.Tagging{
			TagSet: []s3types.Tag{
				{Key: aws.String("Project"), Value: aws.String(projectTag)},
				{Key: aws.String("BatchId"), Value: aws.String(batchID)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("PutObjectTagging: %w", err)
	}
	return nil
}

// --- Abort ---

// POST /projects/abort-multipart-upload/
//
// Aborting an upload S3 no longer knows about succeeds, so a retried abort
// is harmless.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req api.AbortRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.UploadID == "" || req.FileKey == "" {
		httpError(w, http.StatusBadRequest, "upload_id and file_key are required")
		return
	}
	if err := validateFileKey(req.FileKey); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("key", req.FileKey).Str("uploadId", req.UploadID).Msg("Aborting multipart upload")

	_, err := s.s3.AbortMultipartUpload(r.Context(), &s3.AbortMultipartUploadInput{
		Bucket:   &s.bucket,
		Key:      &req.FileKey,
		UploadId: &req.UploadID,
	})
	var noSuchUpload *s3types.NoSuchUpload
	switch {
	case errors.As(err, &noSuchUpload):
		log.Debug().Str("key", req.FileKey).Str("uploadId", req.UploadID).Msg("Abort of unknown upload treated as done")
	case err != nil:
		log.Error().Err(err).Str("key", req.FileKey).Str("uploadId", req.UploadID).Msg("Failed to abort multipart upload")
		httpError(w, http.StatusInternalServerError, "failed to abort multipart upload")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// --- List parts ---

// GET /projects/list-parts/?upload_id=...&file_key=...
func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uploadID := r.URL.Query().Get("upload_id")
	fileKey := r.URL.Query().Get("file_key")
	if uploadID == "" || fileKey == "" {
		httpError(w, http.StatusBadRequest, "upload_id and file_key are required")
		return
	}
	if err := validateFileKey(fileKey); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	parts := []api.CompletedPart{}
	var marker *string
	for {
		out, err := s.s3.ListParts(r.Context(), &s3.ListPartsInput{
			Bucket:           &s.bucket,
			Key:              &fileKey,
			UploadId:         &uploadID,
			PartNumberMarker: marker,
		})
		var noSuchUpload *s3types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			httpError(w, http.StatusNotFound, "upload not found")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("key", fileKey).Str("uploadId", uploadID).Msg("Failed to list parts")
			httpError(w, http.StatusInternalServerError, "failed to list parts")
			return
		}
		for _, p := range out.Parts {
			parts = append(parts, api.CompletedPart{
				PartNumber: int(aws.ToInt32(p.PartNumber)),
				ETag:       aws.ToString(p.ETag),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextPartNumberMarker == nil {
			break
		}
		marker = out.NextPartNumberMarker
	}

	respondJSON(w, http.StatusOK, map[string][]api.CompletedPart{"parts": parts})
}
