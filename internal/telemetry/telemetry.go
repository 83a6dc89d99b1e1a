package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Exporter ships a batch of metrics somewhere.
type Exporter interface {
	Export(metrics []Metric) error
}

// Collector buffers orchestration metrics and flushes them to an exporter,
// or to the log when none is configured.
type Collector struct {
	mu       sync.Mutex
	metrics  []Metric
	enabled  bool
	exporter Exporter
	flushCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewCollector creates a collector. A nil exporter logs flushed metrics.
func NewCollector(enabled bool, exporter Exporter) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		enabled:  enabled,
		exporter: exporter,
		flushCh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	if enabled {
		go c.periodicFlush(30 * time.Second)
	}
	return c
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Timer records a duration measurement in milliseconds
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if c == nil || !c.enabled {
		return
	}
	m.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)

	// Trigger flush if we have too many metrics
	if len(c.metrics) >= 100 {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Snapshot returns a copy of the buffered metrics
func (c *Collector) Snapshot() []Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Flush drains the buffer into the exporter
func (c *Collector) Flush() error {
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}
	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")

	if c.exporter != nil {
		return c.exporter.Export(metrics)
	}
	for _, m := range metrics {
		log.Info().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Time("timestamp", m.Timestamp).
			Msg("telemetry_metric")
	}
	return nil
}

func (c *Collector) periodicFlush(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.flushCh:
		}
		if err := c.Flush(); err != nil {
			log.Warn().Err(err).Msg("Telemetry flush failed")
		}
	}
}

// Shutdown stops the background flusher and flushes what is left
func (c *Collector) Shutdown() error {
	c.cancel()
	return c.Flush()
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal installs the process-wide collector
func InitGlobal(enabled bool, exporter Exporter) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector != nil {
		globalCollector.cancel()
	}
	globalCollector = NewCollector(enabled, exporter)
	return globalCollector
}

// GetGlobal returns the global collector, disabled until InitGlobal runs
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, nil)
	}
	return globalCollector
}

// Shutdown shuts down the global collector
func Shutdown() error {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	if c != nil {
		return c.Shutdown()
	}
	return nil
}
