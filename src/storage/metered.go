package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/toolchainlabs/remexec/src/digest"
)

// A UsageReport is one customer's traffic through a metered driver.
type UsageReport struct {
	CustomerID   string
	BytesRead    int64
	BlobsRead    int64
	BytesWritten int64
	BlobsWritten int64
}

// NewMetered wraps a driver so that per-instance read/write byte & blob
// counts are emitted on the given channel. Reports that would block are
// dropped rather than stalling the data path.
func NewMetered(inner BlobStorage, reports chan<- UsageReport) BlobStorage {
	return &metered{inner: inner, reports: reports}
}

type metered struct {
	inner   BlobStorage
	reports chan<- UsageReport
}

func (m *metered) report(r UsageReport) {
	select {
	case m.reports <- r:
	default:
		log.Warning("Usage report channel full, dropping report for %s", r.CustomerID)
	}
}

func (m *metered) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	return m.inner.FindMissing(ctx, instance, digests)
}

func (m *metered) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	stream, found, err := m.inner.Read(ctx, instance, d, chunkSize, offset, limit)
	if err != nil || !found {
		return stream, found, err
	}
	m.report(UsageReport{CustomerID: instance, BlobsRead: 1})
	return &meteredStream{inner: stream, m: m, instance: instance}, true, nil
}

func (m *metered) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	w, err := m.inner.BeginWrite(ctx, instance, d)
	if err != nil {
		return nil, err
	}
	return &meteredWrite{inner: w, m: m, instance: instance}, nil
}

func (m *metered) EnsureInstance(ctx context.Context, instance string) error {
	return m.inner.EnsureInstance(ctx, instance)
}

type meteredStream struct {
	inner    ByteStream
	m        *metered
	instance string
}

func (s *meteredStream) Next() ([]byte, error) {
	chunk, err := s.inner.Next()
	if err == nil {
		s.m.report(UsageReport{CustomerID: s.instance, BytesRead: int64(len(chunk))})
	}
	return chunk, err
}

func (s *meteredStream) Close() error { return s.inner.Close() }

type meteredWrite struct {
	inner    WriteAttempt
	m        *metered
	instance string
	written  int64
}

func (w *meteredWrite) Write(ctx context.Context, chunk []byte) error {
	w.written += int64(len(chunk))
	return w.inner.Write(ctx, chunk)
}

func (w *meteredWrite) Commit(ctx context.Context) error {
	err := w.inner.Commit(ctx)
	if IgnoreAlreadyExists(err) == nil {
		w.m.report(UsageReport{CustomerID: w.instance, BlobsWritten: 1, BytesWritten: w.written})
	}
	return err
}

func (w *meteredWrite) Abandon() { w.inner.Abandon() }

// An AmberfloEmitter aggregates usage reports by customer and periodically
// posts them to the Amberflo ingestion endpoint. On a transient posting
// failure the aggregate is retained and rolled into the next flush.
type AmberfloEmitter struct {
	URL       string
	APIKey    string
	Interval  time.Duration
	Reports   <-chan UsageReport
	client    *retryablehttp.Client
	aggregate map[string]*UsageReport
}

// amberfloRecord is one meter record in the ingestion payload.
type amberfloRecord struct {
	CustomerID    string `json:"customerId"`
	MeterAPIName  string `json:"meterApiName"`
	MeterValue    int64  `json:"meterValue"`
	MeterTimeInMS int64  `json:"meterTimeInMillis"`
}

// Run consumes reports until the channel closes. One per process.
func (e *AmberfloEmitter) Run() {
	if e.client == nil {
		e.client = retryablehttp.NewClient()
		e.client.Logger = nil
	}
	e.aggregate = map[string]*UsageReport{}
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case r, ok := <-e.Reports:
			if !ok {
				e.flush()
				return
			}
			agg, present := e.aggregate[r.CustomerID]
			if !present {
				agg = &UsageReport{CustomerID: r.CustomerID}
				e.aggregate[r.CustomerID] = agg
			}
			agg.BytesRead += r.BytesRead
			agg.BlobsRead += r.BlobsRead
			agg.BytesWritten += r.BytesWritten
			agg.BlobsWritten += r.BlobsWritten
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *AmberfloEmitter) flush() {
	if len(e.aggregate) == 0 {
		return
	}
	now := time.Now().UnixMilli()
	records := []amberfloRecord{}
	for customer, agg := range e.aggregate {
		for name, value := range map[string]int64{
			"storage_bytes_read":    agg.BytesRead,
			"storage_blobs_read":    agg.BlobsRead,
			"storage_bytes_written": agg.BytesWritten,
			"storage_blobs_written": agg.BlobsWritten,
		} {
			if value > 0 {
				records = append(records, amberfloRecord{
					CustomerID:    customer,
					MeterAPIName:  name,
					MeterValue:    value,
					MeterTimeInMS: now,
				})
			}
		}
	}
	if len(records) == 0 {
		e.aggregate = map[string]*UsageReport{}
		return
	}
	body, _ := json.Marshal(records)
	req, err := retryablehttp.NewRequest("POST", e.URL, bytes.NewReader(body))
	if err != nil {
		log.Error("Failed to build usage ingestion request: %s", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", e.APIKey)
	resp, err := e.client.Do(req)
	if err != nil {
		// Keep the aggregate; it rides along into the next flush.
		log.Warning("Failed to post usage records, retaining until next flush: %s", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warning("Usage ingestion returned %s, retaining aggregate", resp.Status)
		return
	}
	e.aggregate = map[string]*UsageReport{}
}
