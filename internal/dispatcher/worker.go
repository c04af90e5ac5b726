package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/pdftools/internal/logger"
	"github.com/local/pdftools/internal/metrics"
	"github.com/local/pdftools/internal/pipeline"
	"github.com/local/pdftools/internal/quality"
	"github.com/local/pdftools/internal/storage"
	"github.com/local/pdftools/internal/store"
)

type Queue interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, []byte, error)
	Ack(ctx context.Context, msgID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	ClearCancelled(ctx context.Context, jobID string) error
	AddDLQ(ctx context.Context, payload []byte, reason string) error
	EnqueueDelayed(ctx context.Context, payload []byte, executeAt time.Time) error
}

type StatusStore interface {
	Set(ctx context.Context, jobID string, st store.Status) error
	SetProgress(ctx context.Context, jobID string, pct int) error
}

// Engine is the set of document operations a job can run.
type Engine interface {
	CompressWith(ctx context.Context, data []byte, p quality.Profile, onProgress pipeline.ProgressFunc) (*pipeline.CompressResult, error)
	Merge(ctx context.Context, primary, secondary []byte) ([]byte, error)
	Split(ctx context.Context, data []byte, expr string) ([]byte, error)
	Protect(ctx context.Context, data []byte, password string) ([]byte, error)
	Unprotect(ctx context.Context, data []byte, password string) ([]byte, error)
	ExportImages(ctx context.Context, data []byte, p quality.Profile, onProgress pipeline.ProgressFunc) ([]byte, error)
}

type Config struct {
	Concurrency    int
	JobTimeout     time.Duration
	CancelPoll     time.Duration
	DequeueTimeout time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	DefaultQuality string
}

type Worker struct {
	cfg    Config
	q      Queue
	status StatusStore
	blobs  storage.Blobs
	engine Engine
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, q Queue, status StatusStore, blobs storage.Blobs, engine Engine) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = 500 * time.Millisecond
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Minute
	}
	return &Worker{cfg: cfg, q: q, status: status, blobs: blobs, engine: engine, stop: make(chan struct{})}
}

func (w *Worker) Start() {
	host, _ := os.Hostname()
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(fmt.Sprintf("%s-%d", host, i))
	}
}

// Stop asks all loops to exit after their current job and waits for them
// until ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stop)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(consumer string) {
	defer w.wg.Done()
	log.Info().Str("worker", consumer).Msg("dispatcher worker started")
	for {
		select {
		case <-w.stop:
			log.Info().Str("worker", consumer).Msg("dispatcher worker stopped")
			return
		default:
		}

		msgID, data, err := w.q.Dequeue(context.Background(), consumer, w.cfg.DequeueTimeout)
		if err != nil {
			log.Error().Err(err).Msg("queue dequeue error")
			select {
			case <-w.stop:
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if msgID == "" {
			continue
		}
		// ack on read; retries go through the delayed set, failures to the DLQ
		if err := w.q.Ack(context.Background(), msgID); err != nil {
			log.Warn().Err(err).Str("msg_id", msgID).Msg("ack failed")
		}

		job, err := DecodeJob(data)
		if err != nil {
			log.Error().Err(err).Str("msg_id", msgID).Msg("dropping invalid job")
			_ = w.q.AddDLQ(context.Background(), data, classify(err))
			if job.ID != "" {
				w.finish(job, time.Now(), store.StatusFailed, err.Error(), 0, map[string]interface{}{"reason": classify(err)})
			}
			continue
		}
		w.process(job, data)
	}
}

type outcome struct {
	status  string
	data    []byte
	message string
	meta    map[string]interface{}
}

func (w *Worker) process(job Job, payload []byte) {
	bg := context.Background()
	jobCtx := logger.WithJob(bg, job.ID, job.Attempt)
	l := logger.Op(jobCtx, string(job.Op))
	start := time.Now()

	if cancelled, _ := w.q.IsCancelled(bg, job.ID); cancelled {
		l.Warn().Msg("job cancelled before processing; skipping")
		w.finish(job, start, store.StatusCancelled, "cancelled before processing", 0, nil)
		return
	}

	_ = w.status.Set(bg, job.ID, store.Status{
		Status:   store.StatusProcessing,
		Message:  "processing",
		Start:    &start,
		Metadata: map[string]interface{}{"op": string(job.Op), "attempt": job.Attempt},
	})

	ctx, cancel := context.WithCancelCause(jobCtx)
	defer cancel(nil)
	if w.cfg.JobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancelTimeout()
	}
	go w.watchCancel(ctx, job.ID, cancel)

	var progress atomic.Int64
	onProgress := func(pct int) {
		progress.Store(int64(pct))
		if err := w.status.SetProgress(bg, job.ID, pct); err != nil {
			l.Debug().Err(err).Msg("progress update failed")
		}
	}

	out, err := w.run(ctx, job, onProgress)
	if err != nil {
		w.handleError(l, job, payload, start, int(progress.Load()), withCause(ctx, err))
		return
	}

	if err := w.blobs.Put(bg, storage.ResultKey(job.ID), out.data); err != nil {
		w.handleError(l, job, payload, start, int(progress.Load()), fmt.Errorf("store result: %w", err))
		return
	}
	out.meta["op"] = string(job.Op)
	out.meta["content_type"] = job.Op.ContentType()
	out.meta["result_size"] = len(out.data)
	w.finish(job, start, out.status, out.message, 100, out.meta)
}

func (w *Worker) handleError(l zerolog.Logger, job Job, payload []byte, start time.Time, progress int, err error) {
	reason := classify(err)
	meta := map[string]interface{}{"op": string(job.Op), "reason": reason}

	switch {
	case reason == "cancelled":
		l.Info().Msg("job cancelled")
		w.finish(job, start, store.StatusCancelled, "cancelled", progress, meta)

	case isTransientError(err) && job.Attempt+1 < w.cfg.MaxAttempts:
		delay := w.retryDelay(job.Attempt)
		job.Attempt++
		l.Warn().Err(err).Dur("delay", delay).Msg("transient failure; retrying")
		if qerr := w.q.EnqueueDelayed(context.Background(), job.Marshal(), time.Now().Add(delay)); qerr != nil {
			l.Error().Err(qerr).Msg("requeue failed")
			w.fail(l, job, payload, start, progress, err, meta)
			return
		}
		_ = w.status.Set(context.Background(), job.ID, store.Status{
			Status:   store.StatusQueued,
			Progress: 0,
			Message:  "retrying: " + err.Error(),
			Metadata: map[string]interface{}{"op": string(job.Op), "attempt": job.Attempt},
		})

	default:
		w.fail(l, job, payload, start, progress, err, meta)
	}
}

func (w *Worker) fail(l zerolog.Logger, job Job, payload []byte, start time.Time, progress int, err error, meta map[string]interface{}) {
	ev := l.Error()
	if isFatalError(err) {
		ev = l.Warn()
	}
	ev.Err(err).Str("reason", meta["reason"].(string)).Msg("job failed")
	if job.Password != "" {
		payload = job.Redacted().Marshal()
	}
	if qerr := w.q.AddDLQ(context.Background(), payload, meta["reason"].(string)); qerr != nil {
		l.Error().Err(qerr).Msg("dlq push failed")
	}
	w.finish(job, start, store.StatusFailed, err.Error(), progress, meta)
}

// retryDelay doubles from RetryBaseDelay per attempt, capped at RetryMaxDelay.
func (w *Worker) retryDelay(attempt int) time.Duration {
	d := w.cfg.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > w.cfg.RetryMaxDelay {
			return w.cfg.RetryMaxDelay
		}
	}
	return d
}

func (w *Worker) finish(job Job, start time.Time, status, message string, progress int, meta map[string]interface{}) {
	bg := context.Background()
	end := time.Now()
	if err := w.status.Set(bg, job.ID, store.Status{
		Status:   status,
		Progress: progress,
		Message:  message,
		Start:    &start,
		End:      &end,
		Metadata: meta,
	}); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("status update failed")
	}
	_ = w.q.ClearCancelled(bg, job.ID)
	for i := 0; i < job.Op.Inputs(); i++ {
		_ = w.blobs.Delete(bg, storage.InputKey(job.ID, i))
	}
	metrics.IncJob(status)
	log.Info().Str("job_id", job.ID).Str("op", string(job.Op)).Str("status", status).Dur("took", end.Sub(start)).Msg("job finished")
}

// withCause attaches the reason ctx ended to err. Storage calls report a
// plain context.Canceled; the cause tells a cancel request from a timeout.
func withCause(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(err, cause) {
		return err
	}
	return fmt.Errorf("%w: %w", err, cause)
}

// watchCancel polls the cancel set until ctx ends and cancels ctx when the
// job is marked. The engine notices at its next page boundary.
func (w *Worker) watchCancel(ctx context.Context, jobID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := w.q.IsCancelled(ctx, jobID); err == nil && ok {
				cancel(ErrJobCancelled)
				return
			}
		}
	}
}

func (w *Worker) profile(job Job) (quality.Profile, error) {
	q := job.Quality
	if q == "" {
		q = w.cfg.DefaultQuality
	}
	p, err := quality.Parse(q)
	if err != nil {
		return quality.Profile{}, &ValidationError{Message: err.Error()}
	}
	return p, nil
}

func (w *Worker) run(ctx context.Context, job Job, onProgress pipeline.ProgressFunc) (outcome, error) {
	inputs := make([][]byte, job.Op.Inputs())
	for i := range inputs {
		b, err := w.blobs.Get(ctx, storage.InputKey(job.ID, i))
		if err != nil {
			return outcome{}, fmt.Errorf("load input %d: %w", i+1, err)
		}
		inputs[i] = b
	}

	out := outcome{status: store.StatusSuccess, message: "done", meta: map[string]interface{}{}}
	var err error
	switch job.Op {
	case OpCompress:
		var p quality.Profile
		if p, err = w.profile(job); err != nil {
			return outcome{}, err
		}
		var res *pipeline.CompressResult
		if res, err = w.engine.CompressWith(ctx, inputs[0], p, onProgress); err != nil {
			return outcome{}, err
		}
		out.data = res.Bytes
		out.message = res.Message()
		if !res.Accepted {
			out.status = store.StatusRejected
		}
		out.meta["accepted"] = res.Accepted
		out.meta["original_size"] = res.OriginalSize
		out.meta["candidate_size"] = res.CandidateSize
		out.meta["pages"] = res.Pages
		out.meta["small_input"] = res.SmallInput

	case OpMerge:
		out.data, err = w.engine.Merge(ctx, inputs[0], inputs[1])

	case OpSplit:
		out.data, err = w.engine.Split(ctx, inputs[0], job.Range)

	case OpProtect:
		out.data, err = w.engine.Protect(ctx, inputs[0], job.Password)

	case OpUnprotect:
		out.data, err = w.engine.Unprotect(ctx, inputs[0], job.Password)

	case OpExportImages:
		var p quality.Profile
		if p, err = w.profile(job); err != nil {
			return outcome{}, err
		}
		out.data, err = w.engine.ExportImages(ctx, inputs[0], p, onProgress)

	default:
		err = &ValidationError{Message: "unknown op " + string(job.Op)}
	}
	if err != nil {
		return outcome{}, err
	}
	if out.data == nil {
		return outcome{}, errors.New("operation produced no output")
	}
	return out, nil
}
