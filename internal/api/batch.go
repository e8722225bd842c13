package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fpang/drone-ingest/internal/imagery"
)

func batchPath(projectID, batchID, suffix string) string {
	return fmt.Sprintf("/projects/%s/batches/%s/%s", url.PathEscape(projectID), url.PathEscape(batchID), suffix)
}

// StartClassification queues server-side classification of a batch.
func (c *Client) StartClassification(ctx context.Context, projectID, batchID string) (imagery.JobRef, error) {
	var job imagery.JobRef
	err := c.doJSON(ctx, "start classification", http.MethodPost, batchPath(projectID, batchID, "classify/"), nil, &job)
	return job, err
}

// BatchStatus fetches the per-status counts of a batch.
func (c *Client) BatchStatus(ctx context.Context, projectID, batchID string) (imagery.BatchStatusSummary, error) {
	var s imagery.BatchStatusSummary
	err := c.doJSON(ctx, "batch status", http.MethodGet, batchPath(projectID, batchID, "status/"), nil, &s)
	return s, err
}

// BatchImages fetches the images of a batch uploaded after since. A zero
// since fetches every image.
func (c *Client) BatchImages(ctx context.Context, projectID, batchID string, since time.Time) ([]imagery.Image, error) {
	path := batchPath(projectID, batchID, "images/")
	if !since.IsZero() {
		path += "?" + url.Values{"last_timestamp": {since.UTC().Format(time.RFC3339Nano)}}.Encode()
	}
	var images []imagery.Image
	if err := c.doJSON(ctx, "batch images", http.MethodGet, path, nil, &images); err != nil {
		return nil, err
	}
	return images, nil
}

// BatchReview fetches the task-grouped review projection.
func (c *Client) BatchReview(ctx context.Context, projectID, batchID string) (*imagery.BatchReview, error) {
	var r imagery.BatchReview
	if err := c.doJSON(ctx, "batch review", http.MethodGet, batchPath(projectID, batchID, "review/"), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// BatchMapData fetches the task polygons and image points of a batch.
func (c *Client) BatchMapData(ctx context.Context, projectID, batchID string) (*imagery.MapData, error) {
	var m imagery.MapData
	if err := c.doJSON(ctx, "batch map data", http.MethodGet, batchPath(projectID, batchID, "map-data/"), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AcceptImage manually accepts a rejected or invalid_exif image. The server
// answers assigned, or unmatched when no task polygon contains the image.
func (c *Client) AcceptImage(ctx context.Context, projectID, imageID string) (imagery.AcceptOutcome, error) {
	var out imagery.AcceptOutcome
	path := fmt.Sprintf("/projects/%s/images/%s/accept/", url.PathEscape(projectID), url.PathEscape(imageID))
	err := c.doJSON(ctx, "accept image", http.MethodPost, path, nil, &out)
	return out, err
}

// ProcessingSummary previews per-task image counts for batch processing.
func (c *Client) ProcessingSummary(ctx context.Context, projectID, batchID string) (imagery.ProcessingSummary, error) {
	var p imagery.ProcessingSummary
	err := c.doJSON(ctx, "processing summary", http.MethodGet, batchPath(projectID, batchID, "processing-summary/"), nil, &p)
	return p, err
}

// StartProcessing moves accepted images into task folders and kicks off
// downstream orthophoto processing.
func (c *Client) StartProcessing(ctx context.Context, projectID, batchID string) (imagery.JobRef, error) {
	var job imagery.JobRef
	err := c.doJSON(ctx, "start processing", http.MethodPost, batchPath(projectID, batchID, "process/"), nil, &job)
	return job, err
}
