package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// InitiateRequest starts a multipart upload for one file.
type InitiateRequest struct {
	ProjectID string  `json:"project_id"`
	FileName  string  `json:"file_name"`
	Staging   bool    `json:"staging"`
	TaskID    *string `json:"task_id,omitempty"`
}

// InitiateResponse is the upload handle for one file.
type InitiateResponse struct {
	UploadID string `json:"upload_id"`
	FileKey  string `json:"file_key"`
}

// SignPartRequest asks for a signed write URL for one part. Expiry is in
// hours.
type SignPartRequest struct {
	UploadID   string `json:"upload_id"`
	FileKey    string `json:"file_key"`
	PartNumber int    `json:"part_number"`
	Expiry     int    `json:"expiry"`
}

type signPartResponse struct {
	URL string `json:"url"`
}

// CompletedPart is one entry of the completion manifest.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// CompleteRequest finalizes a multipart upload. BatchID is set for staging
// uploads only.
type CompleteRequest struct {
	UploadID  string          `json:"upload_id"`
	FileKey   string          `json:"file_key"`
	Parts     []CompletedPart `json:"parts"`
	ProjectID string          `json:"project_id"`
	Filename  string          `json:"filename"`
	BatchID   string          `json:"batch_id,omitempty"`
}

// AbortRequest releases the server-side reservation of a multipart upload.
type AbortRequest struct {
	UploadID string `json:"upload_id"`
	FileKey  string `json:"file_key"`
}

type listPartsResponse struct {
	Parts []CompletedPart `json:"parts"`
}

// InitiateMultipartUpload requests an upload handle.
func (c *Client) InitiateMultipartUpload(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	var resp InitiateResponse
	if err := c.doJSON(ctx, "initiate multipart upload", http.MethodPost, "/projects/initiate-multipart-upload/", req, &resp); err != nil {
		return nil, err
	}
	if resp.UploadID == "" || resp.FileKey == "" {
		return nil, fmt.Errorf("initiate multipart upload: response missing upload_id or file_key")
	}
	return &resp, nil
}

// SignPartUpload returns a short-lived signed URL for PUTting one part.
func (c *Client) SignPartUpload(ctx context.Context, req SignPartRequest) (string, error) {
	var resp signPartResponse
	if err := c.doJSON(ctx, "sign part upload", http.MethodPost, "/projects/sign-part-upload/", req, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("sign part upload: response missing url")
	}
	return resp.URL, nil
}

// CompleteMultipartUpload assembles the uploaded parts into the final object.
func (c *Client) CompleteMultipartUpload(ctx context.Context, req CompleteRequest) error {
	return c.doJSON(ctx, "complete multipart upload", http.MethodPost, "/projects/complete-multipart-upload/", req, nil)
}

// AbortMultipartUpload releases the server-side reservation.
func (c *Client) AbortMultipartUpload(ctx context.Context, req AbortRequest) error {
	return c.doJSON(ctx, "abort multipart upload", http.MethodPost, "/projects/abort-multipart-upload/", req, nil)
}

// ListParts returns the parts the storage backend already holds for an
// upload. It never fails: any error is logged and reported as "no parts
// known" so a resume degrades to a full re-upload.
func (c *Client) ListParts(ctx context.Context, uploadID, fileKey string) []CompletedPart {
	q := url.Values{"upload_id": {uploadID}, "file_key": {fileKey}}
	var resp listPartsResponse
	if err := c.doJSON(ctx, "list parts", http.MethodGet, "/projects/list-parts/?"+q.Encode(), nil, &resp); err != nil {
		log.Warn().Err(err).Str("uploadId", uploadID).Str("fileKey", fileKey).Msg("List parts failed, assuming no parts uploaded")
		return nil
	}
	return resp.Parts
}

// PutPart uploads one part to a signed URL and returns the ETag reported by
// storage.
func (c *Client) PutPart(ctx context.Context, signedURL string, body io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, body)
	if err != nil {
		return "", fmt.Errorf("put part: build request: %w", err)
	}
	req.ContentLength = size

	start := time.Now()
	resp, err := c.partClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("put part: request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	log.Trace().Int("statusCode", resp.StatusCode).Int64("size", size).Dur("duration", time.Since(start)).Msg("Part PUT response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{Op: "put part", StatusCode: resp.StatusCode}
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", &Error{Op: "put part", StatusCode: resp.StatusCode, Detail: "storage returned no ETag"}
	}
	return etag, nil
}
