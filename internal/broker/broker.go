// Package broker is a reference multipart upload broker backed by S3.
//
// It serves the same /projects/*-multipart-upload/ surface the ingestion
// client speaks, so a field team can run uploads against their own bucket
// without the full imagery backend. Bytes never pass through the broker:
// it creates the multipart upload, presigns one UploadPart URL per request,
// and assembles the parts on completion.
//
// Endpoints:
//
//	GET  /health                              - health check (no auth required)
//	POST /projects/initiate-multipart-upload/ - create multipart upload
//	POST /projects/sign-part-upload/          - presign one UploadPart URL
//	POST /projects/complete-multipart-upload/ - assemble parts, tag staging batch
//	POST /projects/abort-multipart-upload/    - abort and release stored parts
//	GET  /projects/list-parts/                - parts already stored for an upload
package broker

import (
	"context"
	"net/http"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fpang/drone-ingest/internal/metrics"
)

// S3API is the subset of the S3 client the broker calls.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	PutObjectTagging(ctx context.Context, in *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

// Presigner signs UploadPart requests. *s3.PresignClient satisfies it.
type Presigner interface {
	PresignUploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Options configures a Server.
type Options struct {
	// Bucket receives every uploaded object. Required.
	Bucket string
	// Token, when set, is the bearer token every /projects/ call must carry.
	Token string
	// Metrics receives per-request EMF documents. Nil discards them.
	Metrics *metrics.Sink
}

// Server is an http.Handler serving the broker endpoints.
type Server struct {
	s3        S3API
	presigner Presigner
	bucket    string
	token     string
	metrics   *metrics.Sink
	handler   http.Handler
}

// New creates a broker for one bucket.
func New(client S3API, presigner Presigner, opts Options) *Server {
	s := &Server{
		s3:        client,
		presigner: presigner,
		bucket:    opts.Bucket,
		token:     opts.Token,
		metrics:   opts.Metrics,
	}

	projects := http.NewServeMux()
	projects.HandleFunc("/projects/initiate-multipart-upload/", s.handleInitiate)
	projects.HandleFunc("/projects/sign-part-upload/", s.handleSignPart)
	projects.HandleFunc("/projects/complete-multipart-upload/", s.handleComplete)
	projects.HandleFunc("/projects/abort-multipart-upload/", s.handleAbort)
	projects.HandleFunc("/projects/list-parts/", s.handleListParts)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/projects/", s.withToken(projects))

	s.handler = s.withMetrics(mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
