package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/local/pdftools/internal/codec/codectest"
	"github.com/local/pdftools/internal/pipeline"
	"github.com/local/pdftools/internal/queue"
	"github.com/local/pdftools/internal/storage"
	"github.com/local/pdftools/internal/store"
)

type env struct {
	q      *queue.RedisQueue
	status *store.RedisStatus
	blobs  storage.Blobs
	fake   *codectest.Codec
	w      *Worker
}

func newEnv(t *testing.T, cfg Config, wrap func(storage.Blobs) storage.Blobs) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() })

	q, err := queue.NewRedisQueueFromClient(context.Background(), c, "jobs:test", "workers", time.Hour)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	e := &env{
		q:      q,
		status: store.NewRedisStatusFromClient(c, 0),
		blobs:  store.NewRedisBlobs(c, time.Hour, storage.Sealer{}),
		fake:   &codectest.Codec{},
	}
	if wrap != nil {
		e.blobs = wrap(e.blobs)
	}
	if cfg.CancelPoll == 0 {
		cfg.CancelPoll = 5 * time.Millisecond
	}
	if cfg.DequeueTimeout == 0 {
		cfg.DequeueTimeout = 20 * time.Millisecond
	}
	e.w = New(cfg, q, e.status, e.blobs, pipeline.New(e.fake))
	return e
}

func (e *env) submit(t *testing.T, job Job, inputs ...[]byte) []byte {
	t.Helper()
	for i, in := range inputs {
		if err := e.blobs.Put(context.Background(), storage.InputKey(job.ID, i), in); err != nil {
			t.Fatalf("put input: %v", err)
		}
	}
	return job.Marshal()
}

func (e *env) get(t *testing.T, id string) store.Status {
	t.Helper()
	st, ok, err := e.status.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("status %s: ok=%v err=%v", id, ok, err)
	}
	return st
}

func (e *env) dlq(t *testing.T) []redis.XMessage {
	t.Helper()
	msgs, err := e.q.Client().XRange(context.Background(), e.q.DLQStream, "-", "+").Result()
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestProcessCompressAccepted(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	input := codectest.Doc(500000, codectest.Pages("p", 2, 612, 792)...)
	job := Job{ID: "j1", Op: OpCompress, Quality: "recommended"}
	e.w.process(job, e.submit(t, job, input))

	st := e.get(t, "j1")
	if st.Status != store.StatusSuccess || st.Progress != 100 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Metadata["accepted"] != true || st.Metadata["original_size"] != float64(500000) {
		t.Errorf("unexpected metadata %v", st.Metadata)
	}
	if st.Metadata["content_type"] != "application/pdf" {
		t.Errorf("Expected pdf content type, got %v", st.Metadata["content_type"])
	}
	if st.Start == nil || st.End == nil {
		t.Error("Expected start and end times")
	}

	out, err := e.blobs.Get(context.Background(), storage.ResultKey("j1"))
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	pages, err := codectest.Read(out)
	if err != nil || len(pages) != 2 {
		t.Errorf("Expected 2 rebuilt pages, got %d (%v)", len(pages), err)
	}
	if _, err := e.blobs.Get(context.Background(), storage.InputKey("j1", 0)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected input to be deleted, got %v", err)
	}
}

func TestProcessCompressRejectedKeepsOriginal(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	e.fake.OutputSize = 40000
	input := codectest.Doc(10000, codectest.Pages("p", 1, 612, 792)...)
	job := Job{ID: "j1", Op: OpCompress}
	e.w.process(job, e.submit(t, job, input))

	st := e.get(t, "j1")
	if st.Status != store.StatusRejected {
		t.Fatalf("Expected rejected, got %+v", st)
	}
	if st.Message != "optimization skipped: original 9.77 KB, result 39.06 KB" {
		t.Errorf("unexpected message %q", st.Message)
	}
	out, _ := e.blobs.Get(context.Background(), storage.ResultKey("j1"))
	if !bytes.Equal(out, input) {
		t.Error("Expected the original bytes as result")
	}
}

func TestProcessMergeAndSplit(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	a := codectest.Doc(0, codectest.Pages("a", 2, 612, 792)...)
	b := codectest.Doc(0, codectest.Pages("b", 1, 612, 792)...)

	merge := Job{ID: "m", Op: OpMerge}
	e.w.process(merge, e.submit(t, merge, a, b))
	if st := e.get(t, "m"); st.Status != store.StatusSuccess {
		t.Fatalf("merge: unexpected status %+v", st)
	}
	merged, _ := e.blobs.Get(context.Background(), storage.ResultKey("m"))

	split := Job{ID: "s", Op: OpSplit, Range: "3,1"}
	e.w.process(split, e.submit(t, split, merged))
	if st := e.get(t, "s"); st.Status != store.StatusSuccess {
		t.Fatalf("split: unexpected status %+v", st)
	}
	out, _ := e.blobs.Get(context.Background(), storage.ResultKey("s"))
	pages, _ := codectest.Read(out)
	var ids []string
	for _, p := range pages {
		ids = append(ids, p.ID)
	}
	if want := []string{"b-0", "a-0"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("Expected %v, got %v", want, ids)
	}
}

func TestProcessInvalidRangeGoesToDLQ(t *testing.T) {
	e := newEnv(t, Config{MaxAttempts: 3}, nil)
	job := Job{ID: "j1", Op: OpSplit, Range: "9"}
	e.w.process(job, e.submit(t, job, codectest.Doc(0, codectest.Pages("p", 2, 10, 10)...)))

	st := e.get(t, "j1")
	if st.Status != store.StatusFailed || st.Metadata["reason"] != "invalid_range" {
		t.Fatalf("unexpected status %+v", st)
	}
	msgs := e.dlq(t)
	if len(msgs) != 1 || msgs[0].Values["reason"] != "invalid_range" {
		t.Errorf("Expected one invalid_range DLQ entry, got %v", msgs)
	}
}

func TestProcessMissingInput(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	job := Job{ID: "ghost", Op: OpCompress}
	e.w.process(job, job.Marshal())
	if st := e.get(t, "ghost"); st.Status != store.StatusFailed || st.Metadata["reason"] != "input_missing" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestProcessBadQuality(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	job := Job{ID: "j1", Op: OpCompress, Quality: "ultra"}
	e.w.process(job, e.submit(t, job, codectest.Doc(0, codectest.Pages("p", 1, 10, 10)...)))
	if st := e.get(t, "j1"); st.Status != store.StatusFailed || st.Metadata["reason"] != "invalid_job" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestProcessCancelledBeforeStart(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	job := Job{ID: "j1", Op: OpCompress}
	payload := e.submit(t, job, codectest.Doc(0, codectest.Pages("p", 2, 10, 10)...))
	_ = e.q.CancelJob(context.Background(), "j1")

	e.w.process(job, payload)
	if st := e.get(t, "j1"); st.Status != store.StatusCancelled {
		t.Errorf("Expected cancelled, got %+v", st)
	}
	if len(e.fake.Rendered()) != 0 {
		t.Error("Expected no page rendered")
	}
	if ok, _ := e.q.IsCancelled(context.Background(), "j1"); ok {
		t.Error("Expected cancel marker cleared")
	}
}

func TestProcessCancelledBetweenPages(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	e.fake.OnRender = func(page int) {
		if page == 1 {
			_ = e.q.CancelJob(context.Background(), "j1")
			// give the watcher time to see it while this page is in flight
			time.Sleep(100 * time.Millisecond)
		}
	}
	job := Job{ID: "j1", Op: OpCompress}
	e.w.process(job, e.submit(t, job, codectest.Doc(0, codectest.Pages("p", 4, 10, 10)...)))

	st := e.get(t, "j1")
	if st.Status != store.StatusCancelled {
		t.Fatalf("Expected cancelled, got %+v", st)
	}
	if st.Progress != 50 {
		t.Errorf("Expected progress kept at 50, got %d", st.Progress)
	}
	if !reflect.DeepEqual(e.fake.Rendered(), []int{0, 1}) {
		t.Errorf("Expected pages [0 1] rendered, got %v", e.fake.Rendered())
	}
	if _, err := e.blobs.Get(context.Background(), storage.ResultKey("j1")); !errors.Is(err, storage.ErrNotFound) {
		t.Error("Expected no result stored for a cancelled job")
	}
	if len(e.dlq(t)) != 0 {
		t.Error("Expected cancelled jobs to stay out of the DLQ")
	}
}

func TestProcessTimeout(t *testing.T) {
	e := newEnv(t, Config{JobTimeout: 20 * time.Millisecond}, nil)
	e.fake.OnRender = func(int) { time.Sleep(30 * time.Millisecond) }
	job := Job{ID: "j1", Op: OpCompress}
	e.w.process(job, e.submit(t, job, codectest.Doc(0, codectest.Pages("p", 3, 10, 10)...)))

	st := e.get(t, "j1")
	if st.Status != store.StatusFailed || st.Metadata["reason"] != "timeout" {
		t.Fatalf("Expected timeout failure, got %+v", st)
	}
	if len(e.dlq(t)) != 1 {
		t.Error("Expected timed out job in the DLQ")
	}
}

type flakyBlobs struct {
	storage.Blobs
	failures int
}

func (f *flakyBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("dial tcp 10.0.0.1:6379: connection refused")
	}
	return f.Blobs.Get(ctx, key)
}

// stallingBlobs cancels the job on the first read and then blocks until
// the job context ends.
type stallingBlobs struct {
	storage.Blobs
	q *queue.RedisQueue
}

func (s *stallingBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	_ = s.q.CancelJob(context.Background(), "j1")
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessCancelledWhileLoadingInput(t *testing.T) {
	stall := &stallingBlobs{}
	e := newEnv(t, Config{MaxAttempts: 3}, func(b storage.Blobs) storage.Blobs {
		stall.Blobs = b
		return stall
	})
	stall.q = e.q
	job := Job{ID: "j1", Op: OpCompress}
	e.w.process(job, e.submit(t, job, codectest.Doc(0, codectest.Pages("p", 1, 10, 10)...)))

	st := e.get(t, "j1")
	if st.Status != store.StatusCancelled || st.Metadata["reason"] != "cancelled" {
		t.Fatalf("Expected cancelled job, got %+v", st)
	}
	if len(e.dlq(t)) != 0 {
		t.Error("Expected no DLQ entry for a cancelled job")
	}
	if delayed, _ := e.q.Client().ZCard(context.Background(), e.q.DelayedKey).Result(); delayed != 0 {
		t.Errorf("Expected no retry for a cancelled job, got %d delayed", delayed)
	}
}

func TestFailedJobPasswordIsRedacted(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	job := Job{ID: "j1", Op: OpProtect, Password: "hunter2"}
	e.w.process(job, e.submit(t, job, []byte("plain text, not a document")))

	if st := e.get(t, "j1"); st.Status != store.StatusFailed {
		t.Fatalf("Expected failed job, got %+v", st)
	}
	msgs := e.dlq(t)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 DLQ entry, got %d", len(msgs))
	}
	data, _ := msgs[0].Values["data"].(string)
	if strings.Contains(data, "hunter2") {
		t.Errorf("Expected password redacted from DLQ payload, got %s", data)
	}
	kept, err := DecodeJob([]byte(data))
	if err != nil || kept.ID != "j1" || kept.Op != OpProtect {
		t.Errorf("Expected DLQ payload to still describe the job, got %+v (%v)", kept, err)
	}
}

func TestProcessRetriesTransientFailure(t *testing.T) {
	flaky := &flakyBlobs{failures: 2}
	e := newEnv(t, Config{MaxAttempts: 2}, func(b storage.Blobs) storage.Blobs {
		flaky.Blobs = b
		return flaky
	})
	job := Job{ID: "j1", Op: OpCompress}
	payload := e.submit(t, job, codectest.Doc(0, codectest.Pages("p", 1, 10, 10)...))

	e.w.process(job, payload)
	st := e.get(t, "j1")
	if st.Status != store.StatusQueued {
		t.Fatalf("Expected job requeued, got %+v", st)
	}
	delayed, err := e.q.Client().ZRange(context.Background(), e.q.DelayedKey, 0, -1).Result()
	if err != nil || len(delayed) != 1 {
		t.Fatalf("Expected 1 delayed job, got %v (%v)", delayed, err)
	}
	retry, err := DecodeJob([]byte(delayed[0]))
	if err != nil || retry.Attempt != 1 {
		t.Fatalf("Expected attempt 1, got %+v (%v)", retry, err)
	}

	// second attempt is the last one
	e.w.process(retry, []byte(delayed[0]))
	if st := e.get(t, "j1"); st.Status != store.StatusFailed || st.Metadata["reason"] != "internal" {
		t.Errorf("Expected final failure, got %+v", st)
	}
	if len(e.dlq(t)) != 1 {
		t.Error("Expected job in the DLQ after the last attempt")
	}
}

func TestRetryDelay(t *testing.T) {
	w := New(Config{RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second}, nil, nil, nil, nil)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt, d := range want {
		if got := w.retryDelay(attempt); got != d {
			t.Errorf("attempt %d: expected %s, got %s", attempt, d, got)
		}
	}
}

func TestWorkerConsumesQueue(t *testing.T) {
	e := newEnv(t, Config{Concurrency: 2}, nil)
	job := Job{ID: "j1", Op: OpExportImages, Quality: "max", CreatedAt: time.Now()}
	payload := e.submit(t, job, codectest.Doc(0, codectest.Pages("p", 2, 10, 10)...))
	if err := e.q.Enqueue(context.Background(), payload); err != nil {
		t.Fatal(err)
	}
	if err := e.q.Enqueue(context.Background(), []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	e.w.Start()
	deadline := time.Now().Add(3 * time.Second)
	var st store.Status
	for time.Now().Before(deadline) {
		if s, ok, _ := e.status.Get(context.Background(), "j1"); ok && store.IsTerminal(s.Status) {
			st = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.w.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if st.Status != store.StatusSuccess {
		t.Fatalf("Expected success, got %+v", st)
	}
	if st.Metadata["content_type"] != "application/zip" {
		t.Errorf("Expected zip result, got %v", st.Metadata["content_type"])
	}
	msgs := e.dlq(t)
	if len(msgs) != 1 || msgs[0].Values["reason"] != "invalid_job" {
		t.Errorf("Expected the malformed payload in the DLQ, got %v", msgs)
	}
}

func TestDecodeJob(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		ok      bool
	}{
		{"compress", `{"job_id":"a","op":"compress"}`, true},
		{"merge", `{"job_id":"a","op":"merge"}`, true},
		{"split without range", `{"job_id":"a","op":"split"}`, false},
		{"protect without password", `{"job_id":"a","op":"protect"}`, false},
		{"unknown op", `{"job_id":"a","op":"rotate"}`, false},
		{"no id", `{"op":"compress"}`, false},
		{"garbage", `nope`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJob([]byte(tt.payload))
			if (err == nil) != tt.ok {
				t.Errorf("Expected ok=%v, got %v", tt.ok, err)
			}
			var ve *ValidationError
			if err != nil && !errors.As(err, &ve) {
				t.Errorf("Expected *ValidationError, got %T", err)
			}
		})
	}
}

func TestParseOp(t *testing.T) {
	op, err := ParseOp(" Export_Images ")
	if err != nil || op != OpExportImages {
		t.Errorf("Expected export_images, got %q (%v)", op, err)
	}
	if OpMerge.Inputs() != 2 || OpSplit.Inputs() != 1 {
		t.Error("unexpected input counts")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		reason    string
		transient bool
	}{
		{context.DeadlineExceeded, "timeout", false},
		{fmt.Errorf("load input 1: %w: %w", context.Canceled, ErrJobCancelled), "cancelled", false},
		{&ValidationError{Message: "x"}, "invalid_job", false},
		{storage.ErrNotFound, "input_missing", false},
		{pipeline.ErrInvalidDocument, "invalid_file", false},
		{pipeline.ErrCancelled, "cancelled", false},
		{errors.New("read tcp: connection reset by peer"), "internal", true},
		{errors.New("disk full"), "internal", false},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.reason {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.reason)
		}
		if got := isTransientError(tt.err); got != tt.transient {
			t.Errorf("isTransientError(%v) = %v, want %v", tt.err, got, tt.transient)
		}
	}
}
