package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// OTLPExporter posts metrics as OTLP/HTTP JSON
type OTLPExporter struct {
	endpoint string
	service  string
	version  string
	client   *http.Client
}

// NewOTLPExporter creates a new OTLP exporter
func NewOTLPExporter(endpoint, service, version string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		service:  service,
		version:  version,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Simplified OTLP JSON representation: counters become monotonic sums,
// timers become gauges.
type otlpPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type otlpMetric struct {
	Name  string     `json:"name"`
	Unit  string     `json:"unit,omitempty"`
	Sum   *otlpSum   `json:"sum,omitempty"`
	Gauge *otlpGauge `json:"gauge,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpDataPoint `json:"dataPoints"`
	AggregationTemporality int             `json:"aggregationTemporality"`
	IsMonotonic            bool            `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpDataPoint `json:"dataPoints"`
}

type otlpDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	AsDouble     float64         `json:"asDouble"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue,omitempty"`
}

// Export sends metrics to the OTLP endpoint
func (e *OTLPExporter) Export(metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	data, err := json.Marshal(e.convert(metrics))
	if err != nil {
		return fmt.Errorf("marshal OTLP payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("OTLP endpoint returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", e.endpoint).
		Int("metric_count", len(metrics)).
		Msg("Exported metrics via OTLP")
	return nil
}

func (e *OTLPExporter) convert(metrics []Metric) otlpPayload {
	out := make([]otlpMetric, 0, len(metrics))
	for _, m := range metrics {
		dp := otlpDataPoint{
			Attributes:   attributes(m.Labels),
			TimeUnixNano: m.Timestamp.UnixNano(),
			AsDouble:     m.Value,
		}
		om := otlpMetric{Name: m.Name, Unit: m.Unit}
		if m.Type == Counter {
			om.Sum = &otlpSum{DataPoints: []otlpDataPoint{dp}, AggregationTemporality: 1, IsMonotonic: true} // DELTA
		} else {
			om.Gauge = &otlpGauge{DataPoints: []otlpDataPoint{dp}}
		}
		out = append(out, om)
	}
	return otlpPayload{
		ResourceMetrics: []otlpResourceMetrics{{
			Resource: otlpResource{Attributes: attributes(map[string]string{
				"service.name":    e.service,
				"service.version": e.version,
			})},
			ScopeMetrics: []otlpScopeMetrics{{
				Scope:   otlpScope{Name: e.service, Version: e.version},
				Metrics: out,
			}},
		}},
	}
}

func attributes(labels map[string]string) []otlpAttribute {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, otlpAttribute{Key: k, Value: otlpValue{StringValue: labels[k]}})
	}
	return attrs
}
