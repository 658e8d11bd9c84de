package storage

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolchainlabs/remexec/src/digest"
)

var metricLabels = []string{"operation", "driver", "purpose", "leaf", "result", "reapi_instance"}

var requestsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "toolchain_storage_requests_started_total",
	Help: "Storage driver operations started.",
}, []string{"operation", "driver", "purpose", "leaf", "reapi_instance"})
var requestsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "toolchain_storage_requests_handled_total",
	Help: "Storage driver operations completed.",
}, metricLabels)
var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name: "toolchain_storage_requests_handling_seconds",
	Help: "Storage driver operation duration.",
}, metricLabels)
var timeToFirstByte = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name: "toolchain_storage_time_to_first_byte_seconds",
	Help: "Latency until the first byte of a read is available.",
}, []string{"driver", "purpose", "leaf", "reapi_instance"})
var bytesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "toolchain_storage_bytes_read_total",
	Help: "Bytes read through a storage driver.",
}, []string{"driver", "purpose", "leaf", "reapi_instance"})
var bytesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "toolchain_storage_bytes_written_total",
	Help: "Bytes written through a storage driver.",
}, []string{"driver", "purpose", "leaf", "reapi_instance"})

func init() {
	prometheus.MustRegister(requestsStarted)
	prometheus.MustRegister(requestsHandled)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(timeToFirstByte)
	prometheus.MustRegister(bytesRead)
	prometheus.MustRegister(bytesWritten)
}

// NewMonitored wraps a driver with Prometheus instrumentation.
// driver names the wrapped driver kind, purpose distinguishes cas from
// action-cache pipelines, and leaf marks the innermost wrapper of a stack.
func NewMonitored(inner BlobStorage, driver, purpose string, leaf bool) BlobStorage {
	l := "false"
	if leaf {
		l = "true"
	}
	return &monitored{inner: inner, driver: driver, purpose: purpose, leaf: l}
}

type monitored struct {
	inner                 BlobStorage
	driver, purpose, leaf string
}

func (m *monitored) observe(op, instance string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	labels := prometheus.Labels{
		"operation":      op,
		"driver":         m.driver,
		"purpose":        m.purpose,
		"leaf":           m.leaf,
		"result":         result,
		"reapi_instance": instance,
	}
	requestsHandled.With(labels).Inc()
	requestDuration.With(labels).Observe(time.Since(start).Seconds())
}

func (m *monitored) start(op, instance string) {
	requestsStarted.With(prometheus.Labels{
		"operation":      op,
		"driver":         m.driver,
		"purpose":        m.purpose,
		"leaf":           m.leaf,
		"reapi_instance": instance,
	}).Inc()
}

func (m *monitored) streamLabels(instance string) prometheus.Labels {
	return prometheus.Labels{
		"driver":         m.driver,
		"purpose":        m.purpose,
		"leaf":           m.leaf,
		"reapi_instance": instance,
	}
}

func (m *monitored) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	m.start("find_missing", instance)
	start := time.Now()
	missing, err := m.inner.FindMissing(ctx, instance, digests)
	m.observe("find_missing", instance, start, err)
	return missing, err
}

func (m *monitored) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	m.start("read", instance)
	start := time.Now()
	stream, found, err := m.inner.Read(ctx, instance, d, chunkSize, offset, limit)
	if err != nil || !found {
		m.observe("read", instance, start, err)
		return stream, found, err
	}
	return &monitoredStream{inner: stream, m: m, instance: instance, begin: start}, true, nil
}

func (m *monitored) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	m.start("write", instance)
	w, err := m.inner.BeginWrite(ctx, instance, d)
	if err != nil {
		m.observe("write", instance, time.Now(), err)
		return nil, err
	}
	return &monitoredWrite{inner: w, m: m, instance: instance, begin: time.Now()}, nil
}

func (m *monitored) EnsureInstance(ctx context.Context, instance string) error {
	return m.inner.EnsureInstance(ctx, instance)
}

type monitoredStream struct {
	inner     ByteStream
	m         *monitored
	instance  string
	begin     time.Time
	first     bool
	completed bool
}

func (s *monitoredStream) Next() ([]byte, error) {
	chunk, err := s.inner.Next()
	if !s.first {
		s.first = true
		timeToFirstByte.With(s.m.streamLabels(s.instance)).Observe(time.Since(s.begin).Seconds())
	}
	if err == nil {
		bytesRead.With(s.m.streamLabels(s.instance)).Add(float64(len(chunk)))
	} else if !s.completed {
		s.completed = true
		s.m.observe("read", s.instance, s.begin, nil)
	}
	return chunk, err
}

func (s *monitoredStream) Close() error {
	if !s.completed {
		s.completed = true
		s.m.observe("read", s.instance, s.begin, nil)
	}
	return s.inner.Close()
}

type monitoredWrite struct {
	inner    WriteAttempt
	m        *monitored
	instance string
	begin    time.Time
	done     bool
}

func (w *monitoredWrite) Write(ctx context.Context, chunk []byte) error {
	bytesWritten.With(w.m.streamLabels(w.instance)).Add(float64(len(chunk)))
	return w.inner.Write(ctx, chunk)
}

func (w *monitoredWrite) Commit(ctx context.Context) error {
	err := w.inner.Commit(ctx)
	w.done = true
	w.m.observe("write", w.instance, w.begin, IgnoreAlreadyExists(err))
	return err
}

func (w *monitoredWrite) Abandon() {
	if !w.done {
		w.done = true
		w.m.observe("write", w.instance, w.begin, ErrInternal("abandoned"))
	}
	w.inner.Abandon()
}
