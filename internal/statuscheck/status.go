package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pdftools/internal/codec"
	"github.com/local/pdftools/internal/metrics"
	"github.com/local/pdftools/internal/queue"
)

// Pinger models the minimal capability we need from Redis or blob storage.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates health checks for the service's dependencies.
type Checker struct {
	redis       Pinger
	storage     Pinger
	storageName string
	render      func(ctx context.Context) error
}

// Options configures the Checker.
type Options struct {
	Redis Pinger
	// Storage is pinged only when blobs live outside Redis.
	Storage     Pinger
	StorageName string
	Renderer    func(ctx context.Context) error
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis    Status `json:"redis"`
	Storage  Status `json:"storage"`
	Renderer Status `json:"renderer"`
}

// Healthy is true when every subsystem is OK.
func (s Summary) Healthy() bool { return s.Redis.OK && s.Storage.OK && s.Renderer.OK }

func New(opts Options) *Checker {
	name := opts.StorageName
	if name == "" {
		name = "redis"
	}
	return &Checker{redis: opts.Redis, storage: opts.Storage, storageName: name, render: opts.Renderer}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:    c.checkRedis(ctx),
		Storage:  c.checkStorage(ctx),
		Renderer: c.checkRenderer(ctx),
	}
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkStorage(ctx context.Context) Status {
	if c.storage == nil {
		if c.storageName == "redis" {
			return Status{OK: true, Message: "Using redis"}
		}
		return Status{OK: false, Message: c.storageName + " not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.storage.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected to " + c.storageName}
}

func (c *Checker) checkRenderer(ctx context.Context) Status {
	if c.render == nil {
		return Status{OK: false, Message: "renderer not configured"}
	}
	if err := c.render(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Available"}
}

// RenderCheck builds a one page document with c and renders it back, which
// fails when the rasterizer library cannot be loaded.
func RenderCheck(c codec.Codec) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		w := c.NewDocument()
		if err := w.AddPage(72, 72); err != nil {
			return err
		}
		data, err := w.Serialize()
		if err != nil {
			return err
		}
		src, err := c.Load(data)
		if err != nil {
			return err
		}
		defer src.Close()
		img, err := c.RenderPage(src, 0, 0.5)
		if err != nil {
			return err
		}
		if img.Bounds().Empty() {
			return errors.New("render check produced an empty image")
		}
		return ctx.Err()
	}
}

// DepthSource reports queue lengths.
type DepthSource interface {
	Depths(ctx context.Context) (queue.Depths, error)
}

// ReportQueueDepths publishes queue gauges every interval until ctx ends.
func ReportQueueDepths(ctx context.Context, src DepthSource, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := publishDepths(ctx, src); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("queue depth check failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func publishDepths(ctx context.Context, src DepthSource) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := src.Depths(ctx)
	if err != nil {
		return err
	}
	metrics.SetQueueDepth("stream", d.Waiting())
	metrics.SetQueueDepth("pending", d.Pending)
	metrics.SetQueueDepth("delayed", d.Delayed)
	metrics.SetQueueDepth("dlq", d.DLQ)
	return nil
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return fmt.Sprintf("%s...", msg[:120])
	}
	return msg
}
