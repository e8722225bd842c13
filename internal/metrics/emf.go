// Package metrics emits upload metrics in the AWS CloudWatch Embedded Metric
// Format (EMF). Each flush writes one JSON line; when stdout is shipped to
// CloudWatch Logs the metrics are extracted without any API calls.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Namespace is the CloudWatch namespace for ingestion metrics.
const Namespace = "DroneIngest"

// Standard CloudWatch metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitBytes        = "Bytes"
	UnitNone         = "None"
)

// Metric names recorded per uploaded file.
const (
	PartsUploaded  = "PartsUploaded"
	PartRetries    = "PartRetries"
	BytesUploaded  = "BytesUploaded"
	UploadDuration = "UploadDuration"
)

// metricDef holds the name and unit for a single metric.
type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

// emfDirective is the _aws metadata block required by EMF.
type emfDirective struct {
	Timestamp         int64      `json:"Timestamp"`
	CloudWatchMetrics []cwMetric `json:"CloudWatchMetrics"`
}

type cwMetric struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

// Sink serializes flushed documents onto one writer. A nil *Sink discards
// everything, so callers never need to check whether metrics are enabled.
type Sink struct {
	mu        sync.Mutex
	w         io.Writer
	namespace string
	now       func() time.Time
}

// NewSink creates a sink writing EMF lines to w under namespace.
func NewSink(w io.Writer, namespace string) *Sink {
	return &Sink{w: w, namespace: namespace, now: time.Now}
}

// Recorder starts a new document bound to this sink.
func (s *Sink) Recorder() *Recorder {
	return &Recorder{
		sink:       s,
		dimensions: make(map[string]string),
		metrics:    make(map[string]metricDef),
		values:     make(map[string]interface{}),
		properties: make(map[string]interface{}),
	}
}

func (s *Sink) write(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		log.Warn().Err(err).Msg("Failed to write EMF metrics")
	}
}

// Recorder builds one EMF document. Use one recorder per file or request;
// it is not safe for concurrent use.
type Recorder struct {
	sink       *Sink
	dimensions map[string]string
	metrics    map[string]metricDef
	values     map[string]interface{}
	properties map[string]interface{}
}

// Dimension sets a dimension. All dimensions of a document form one
// dimension set.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric sets name to value. A second call with the same name overwrites.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.metrics[name] = metricDef{Name: name, Unit: unit}
	r.values[name] = value
	return r
}

// Count records name with value 1.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Property attaches a field that is logged but never becomes a metric.
func (r *Recorder) Property(key string, value interface{}) *Recorder {
	r.properties[key] = value
	return r
}

// Flush writes the document as one JSON line. Metric definitions and
// dimension keys are sorted so identical documents serialize identically.
// A recorder from a nil sink, or one with no metrics, writes nothing.
func (r *Recorder) Flush() {
	if r.sink == nil || len(r.metrics) == 0 {
		return
	}

	names := slices.Sorted(maps.Keys(r.metrics))
	defs := make([]metricDef, len(names))
	for i, name := range names {
		defs[i] = r.metrics[name]
	}

	dims := slices.Sorted(maps.Keys(r.dimensions))
	if dims == nil {
		dims = []string{}
	}

	doc := make(map[string]interface{}, len(r.dimensions)+len(r.values)+len(r.properties)+1)
	for k, v := range r.properties {
		doc[k] = v
	}
	for k, v := range r.dimensions {
		doc[k] = v
	}
	for k, v := range r.values {
		doc[k] = v
	}
	doc["_aws"] = emfDirective{
		Timestamp: r.sink.now().UnixMilli(),
		CloudWatchMetrics: []cwMetric{{
			Namespace:  r.sink.namespace,
			Dimensions: [][]string{dims},
			Metrics:    defs,
		}},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal EMF metrics")
		return
	}
	r.sink.write(data)
}
