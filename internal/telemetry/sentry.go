// Package telemetry traces document processing, retrieval and chat requests
// with Sentry.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const serverName = "docragd"

// OpStream marks transactions that hold an SSE stream open. They live as long
// as the client stays connected and are never sampled.
const OpStream = "http.server.stream"

// Config holds the configuration for Sentry initialization.
type Config struct {
	DSN              string
	Environment      string
	TracesSampleRate float64
	Debug            bool
}

// Init starts Sentry and returns a flush func. Without a DSN, or when the
// client cannot be created, tracing stays off and the flush func is a no-op.
func Init(cfg Config) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.TracesSampleRate <= 0 {
		cfg.TracesSampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		EnableTracing:    true,
		TracesSampleRate: cfg.TracesSampleRate,
		Debug:            cfg.Debug,
		ServerName:       serverName,
		TracesSampler: sentry.TracesSampler(func(ctx sentry.SamplingContext) float64 {
			return sampleRate(ctx.Span, cfg.TracesSampleRate)
		}),
	})
	if err != nil {
		log.Printf("sentry: failed to initialize (continuing without tracing): %v", err)
		return func() {}, nil
	}

	log.Printf("sentry: tracing initialized (environment: %s, sample_rate: %.2f)", cfg.Environment, cfg.TracesSampleRate)
	return func() { sentry.Flush(5 * time.Second) }, nil
}

func sampleRate(span *sentry.Span, rate float64) float64 {
	if span == nil {
		return rate
	}
	if span.Op == OpStream || strings.HasSuffix(span.Name, " /health") {
		return 0
	}
	var root sentry.SpanID
	if span.ParentSpanID != root {
		if span.Sampled.Bool() {
			return 1
		}
		return 0
	}
	return rate
}

// SpanAttributes are the tags shared by service spans. Zero values are not
// recorded.
type SpanAttributes struct {
	DocumentID string
	ChatID     string
	Collection string
	Round      int
	Operation  string
}

// Span wraps sentry.Span so callers never deal with a nil span.
type Span struct {
	inner *sentry.Span
}

func (s *Span) End() {
	if s.inner != nil {
		s.inner.Finish()
	}
}

// SetError marks the span failed and reports err to the span's hub.
func (s *Span) SetError(err error) {
	if s.inner == nil || err == nil {
		return
	}
	s.inner.Status = sentry.SpanStatusInternalError
	if hub := sentry.GetHubFromContext(s.inner.Context()); hub != nil {
		hub.CaptureException(err)
	}
}

// SetRound records the retrieval round a span ended in and its best score.
func (s *Span) SetRound(round int, best float64) {
	if s.inner == nil {
		return
	}
	s.inner.SetData("round", round)
	s.inner.SetData("best_score", best)
}

func setAttributes(span *sentry.Span, attrs SpanAttributes) {
	if attrs.DocumentID != "" {
		span.SetTag("document_id", attrs.DocumentID)
	}
	if attrs.ChatID != "" {
		span.SetTag("chat_id", attrs.ChatID)
	}
	if attrs.Collection != "" {
		span.SetTag("collection", attrs.Collection)
	}
	if attrs.Round > 0 {
		span.SetData("round", attrs.Round)
	}
	if attrs.Operation != "" {
		span.SetData("operation", attrs.Operation)
	}
}

// StartSpan opens a child of the span in ctx, or a new transaction when ctx
// has none (ingestion runs outside any request). The returned context derives
// from ctx, so deadlines and cancellation set between nested spans still apply.
func StartSpan(ctx context.Context, name string, attrs SpanAttributes) (context.Context, *Span) {
	var options []sentry.SpanOption
	if sentry.SpanFromContext(ctx) == nil {
		options = append(options, sentry.WithTransactionName(name))
	}
	// Not parent.StartChild: that derives from the parent's own context and
	// drops anything the caller layered on top of it.
	span := sentry.StartSpan(ctx, name, options...)
	setAttributes(span, attrs)
	return span.Context(), &Span{inner: span}
}

func hubFor(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

// CaptureError reports err outside of a span, e.g. after a span has ended.
func CaptureError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	hubFor(ctx).CaptureException(err)
}

// AddBreadcrumb records a repair or state change that may explain a later
// error.
func AddBreadcrumb(ctx context.Context, category, message string) {
	hubFor(ctx).AddBreadcrumb(&sentry.Breadcrumb{
		Type:      "default",
		Category:  category,
		Message:   message,
		Level:     sentry.LevelInfo,
		Timestamp: time.Now(),
	}, nil)
}

// DocumentBreadcrumb records that a document entered state.
func DocumentBreadcrumb(ctx context.Context, documentID, state string) {
	AddBreadcrumb(ctx, "document", fmt.Sprintf("document %s is now %s", documentID, state))
}
