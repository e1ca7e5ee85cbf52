// Package replicate carries all fire-and-forget cross-station calls:
// state writes, log entries and file uploads fan out to live peers
// through one bounded worker pool. Delivery is best-effort; a payload
// that fails all attempts is abandoned and the next mutation carries
// the object forward.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	// DefaultConcurrency is the number of pool workers.
	DefaultConcurrency = 20

	maxAttempts     = 3
	stateLogTimeout = 2 * time.Second
	fileTimeout     = 5 * time.Second
	queueSize       = 1024
)

// Kind names a replication payload type.
type Kind string

const (
	KindState Kind = "state"
	KindLog   Kind = "log"
	KindFile  Kind = "file"
)

// FileReplica is the payload of a file replication job.
type FileReplica struct {
	ObjectID      string
	Filename      string
	Data          []byte
	SourceStation string
}

// Job targets one peer with one payload. Exactly one of State, Log,
// File is set, matching Kind.
type Job struct {
	Kind  Kind
	Peer  types.Station
	State *types.StateReplica
	Log   *types.LogReplica
	File  *FileReplica
}

// Pool is the process-wide replication worker pool.
type Pool struct {
	concurrency int
	client      *http.Client
	jobs        chan Job
	stopCh      chan struct{}
	wg          sync.WaitGroup
	sleep       func(time.Duration) // test seam for backoff
	logger      zerolog.Logger
}

// NewPool creates a replication pool. concurrency <= 0 means
// DefaultConcurrency.
func NewPool(concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pool{
		concurrency: concurrency,
		client:      &http.Client{},
		jobs:        make(chan Job, queueSize),
		stopCh:      make(chan struct{}),
		sleep:       time.Sleep,
		logger:      log.WithComponent("replicate"),
	}
}

// Start launches the pool workers.
func (p *Pool) Start() {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop terminates the workers. Queued jobs are dropped; replication is
// best-effort and the next mutation re-carries the data.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Depth reports the number of queued jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

// Submit queues a job without blocking. It reports false when the
// queue is full or the pool is stopping; the job is then dropped.
func (p *Pool) Submit(job Job) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}

	select {
	case p.jobs <- job:
		return true
	default:
		metrics.ReplicationAttempts.WithLabelValues(string(job.Kind), "dropped").Inc()
		p.logger.Warn().
			Str("kind", string(job.Kind)).
			Str("peer", job.Peer.StationID).
			Msg("Replication queue full, dropping job")
		return false
	}
}

// SubmitState queues a state write for one peer.
func (p *Pool) SubmitState(peer types.Station, r types.StateReplica) bool {
	return p.Submit(Job{Kind: KindState, Peer: peer, State: &r})
}

// SubmitLog queues a log entry for one peer.
func (p *Pool) SubmitLog(peer types.Station, r types.LogReplica) bool {
	return p.Submit(Job{Kind: KindLog, Peer: peer, Log: &r})
}

// SubmitFile queues a file upload for one peer.
func (p *Pool) SubmitFile(peer types.Station, f FileReplica) bool {
	return p.Submit(Job{Kind: KindFile, Peer: peer, File: &f})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.process(job)
		case <-p.stopCh:
			return
		}
	}
}

// process runs one job to completion: up to maxAttempts tries with
// exponential backoff (1s, 2s). HTTP 200 is success regardless of
// body; "duplicate" and "rejected" replies are successes too.
func (p *Pool) process(job Job) {
	timeout := stateLogTimeout
	if job.Kind == KindFile {
		timeout = fileTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := p.attempt(ctx, job)
		cancel()

		if err == nil {
			metrics.ReplicationAttempts.WithLabelValues(string(job.Kind), "ok").Inc()
			return
		}
		lastErr = err

		if attempt < maxAttempts {
			metrics.ReplicationAttempts.WithLabelValues(string(job.Kind), "retry").Inc()
			p.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
	}

	metrics.ReplicationAttempts.WithLabelValues(string(job.Kind), "failed").Inc()
	p.logger.Warn().
		Err(lastErr).
		Str("kind", string(job.Kind)).
		Str("peer", job.Peer.StationID).
		Int("attempts", maxAttempts).
		Msg("Replication failed, giving up")
}

func (p *Pool) attempt(ctx context.Context, job Job) error {
	var (
		req *http.Request
		err error
	)
	switch job.Kind {
	case KindState:
		req, err = jsonRequest(ctx, job.Peer.URL()+"/cluster/replicate", job.State)
	case KindLog:
		req, err = jsonRequest(ctx, job.Peer.URL()+"/cluster/append_log", job.Log)
	case KindFile:
		req, err = fileRequest(ctx, job.Peer.URL()+"/cluster/replicate_file", job.File)
	default:
		return fmt.Errorf("unknown replication kind %q", job.Kind)
	}
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s returned status %d", job.Peer.StationID, resp.StatusCode)
	}
	return nil
}

func jsonRequest(ctx context.Context, url string, payload interface{}) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func fileRequest(ctx context.Context, url string, f *FileReplica) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", f.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, fmt.Errorf("failed to write multipart body: %w", err)
	}
	for field, value := range map[string]string{
		"object_id":      f.ObjectID,
		"filename":       f.Filename,
		"source_station": f.SourceStation,
	} {
		if err := w.WriteField(field, value); err != nil {
			return nil, fmt.Errorf("failed to write multipart field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}
