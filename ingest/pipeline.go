// Package ingest is the caller harness around the four core stages. It
// validates an upload, takes a slot from the resource guard, extracts under
// a deadline, releases the slot with the outcome and chunks the result.
//
// The HTTP, MCP and CLI surfaces all go through Pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/docingest/chunk"
	"github.com/hazyhaar/docingest/docpipe"
	"github.com/hazyhaar/docingest/filegate"
	"github.com/hazyhaar/docingest/guard"
	"github.com/hazyhaar/docingest/kit"
	"github.com/hazyhaar/docingest/observability"
	"github.com/hazyhaar/docingest/shield"
)

// Request is one document to ingest.
type Request struct {
	Data         []byte          `json:"-"`
	Filename     string          `json:"filename"`
	ContentType  string          `json:"content_type,omitempty"`
	DocumentType string          `json:"document_type,omitempty"`
	Options      docpipe.Options `json:"options"`
}

// Result is a fully ingested document.
type Result struct {
	Validation *filegate.Outcome         `json:"validation"`
	Extraction *docpipe.ExtractionResult `json:"extraction"`
	Chunks     *chunk.Result             `json:"chunks"`

	// CacheKey identifies the document by content: the text hash of its
	// whitespace- and NFC-normalized text.
	CacheKey   string `json:"cache_key"`
	SlotID     string `json:"slot_id"`
	DurationMs int64  `json:"duration_ms"`
}

// Pipeline wires the gate, guard, extraction engine and chunker. Safe for
// concurrent use.
type Pipeline struct {
	cfg     Config
	gate    *filegate.Gate
	guard   *guard.Guard
	docs    *docpipe.Pipeline
	chunker *chunk.Chunker
	events  *observability.EventStore
	limiter *shield.RateLimiter
	logger  *slog.Logger
	emitter observability.Emitter
}

// New builds a Pipeline from cfg. When cfg.EventsDB is set, stage events are
// also written to that SQLite file.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ingest config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DocumentType == "" {
		cfg.DocumentType = chunk.DefaultDocumentType
	}

	p := &Pipeline{cfg: cfg, logger: cfg.Logger}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = observability.NewSlogEmitter(cfg.Logger)
	}
	if cfg.EventsDB != "" {
		store, err := observability.OpenEventStore(cfg.EventsDB)
		if err != nil {
			return nil, fmt.Errorf("ingest events: %w", err)
		}
		p.events = store
		emitter = observability.Multi{emitter, store}
	}
	p.emitter = emitter

	cfg.Gate.Logger, cfg.Gate.Emitter = stageDeps(cfg.Gate.Logger, cfg.Gate.Emitter, cfg.Logger, emitter)
	cfg.Guard.Logger, cfg.Guard.Emitter = stageDeps(cfg.Guard.Logger, cfg.Guard.Emitter, cfg.Logger, emitter)
	cfg.Extract.Logger, cfg.Extract.Emitter = stageDeps(cfg.Extract.Logger, cfg.Extract.Emitter, cfg.Logger, emitter)
	cfg.Chunk.Logger, cfg.Chunk.Emitter = stageDeps(cfg.Chunk.Logger, cfg.Chunk.Emitter, cfg.Logger, emitter)

	p.gate = filegate.New(cfg.Gate)
	p.guard = guard.New(cfg.Guard)
	p.docs = docpipe.New(cfg.Extract, p.gate, p.guard)
	p.chunker = chunk.New(cfg.Chunk)
	if cfg.RateLimit.Requests > 0 {
		p.limiter = shield.NewRateLimiter(cfg.RateLimit, shield.WithLimiterLogger(cfg.Logger))
	}
	if p.cfg.BatchConcurrency <= 0 {
		p.cfg.BatchConcurrency = p.guard.Stats().MaxConcurrent
	}
	return p, nil
}

func stageDeps(l *slog.Logger, e observability.Emitter, defLogger *slog.Logger, defEmitter observability.Emitter) (*slog.Logger, observability.Emitter) {
	if l == nil {
		l = defLogger
	}
	if e == nil {
		e = defEmitter
	}
	return l, e
}

// Gate returns the validation gate.
func (p *Pipeline) Gate() *filegate.Gate { return p.gate }

// Guard returns the resource guard.
func (p *Pipeline) Guard() *guard.Guard { return p.guard }

// Extractor returns the extraction engine.
func (p *Pipeline) Extractor() *docpipe.Pipeline { return p.docs }

// Chunker returns the chunking engine.
func (p *Pipeline) Chunker() *chunk.Chunker { return p.chunker }

// Events returns the SQLite event store, or nil when EventsDB is unset.
func (p *Pipeline) Events() *observability.EventStore { return p.events }

// Validate runs the gate only.
func (p *Pipeline) Validate(ctx context.Context, data []byte, filename, contentType string) (*filegate.Outcome, error) {
	return p.gate.Validate(ctx, data, filename, contentType)
}

// Extract validates and extracts under a slot, without chunking.
func (p *Pipeline) Extract(ctx context.Context, req Request) (*docpipe.ExtractionResult, error) {
	out, err := p.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	res, _, err := p.extractInSlot(ctx, req, out)
	return res, err
}

// Ingest runs the whole chain for one document.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	out, err := p.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx = kit.WithDocument(ctx, out.SanitizedFilename)

	ext, slotID, err := p.extractInSlot(ctx, req, out)
	if err != nil {
		return nil, err
	}

	docType := req.DocumentType
	if docType == "" {
		docType = p.cfg.DocumentType
	}
	chunks := p.chunker.ChunkDocument(ctx, ext, docType)

	res := &Result{
		Validation: out,
		Extraction: ext,
		Chunks:     chunks,
		CacheKey:   CacheKey(ext.Text),
		SlotID:     slotID,
		DurationMs: time.Since(start).Milliseconds(),
	}
	p.emitter.Emit(ctx, observability.NewEvent(observability.StageIngest, "ingested", true, map[string]any{
		"filename":   out.SanitizedFilename,
		"cache_key":  res.CacheKey,
		"chunks":     chunks.TotalChunks,
		"tokens":     chunks.TotalTokens,
		"elapsed_ms": res.DurationMs,
	}))
	p.logger.Info("document ingested",
		"filename", out.SanitizedFilename, "request_id", kit.GetRequestID(ctx),
		"pages", ext.Metadata.PageCount, "chunks", chunks.TotalChunks, "elapsed_ms", res.DurationMs)
	return res, nil
}

// BatchItem is the outcome of one document in IngestBatch.
type BatchItem struct {
	Filename string  `json:"filename"`
	Result   *Result `json:"result,omitempty"`
	Err      error   `json:"-"`
}

// IngestBatch ingests reqs concurrently, at most BatchConcurrency at a
// time. Per-document failures are reported in the items; the returned
// error is only the context's.
func (p *Pipeline) IngestBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	items := make([]BatchItem, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BatchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				items[i] = BatchItem{Filename: req.Filename, Err: err}
				return nil
			}
			res, err := p.Ingest(gctx, req)
			items[i] = BatchItem{Filename: req.Filename, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return items, ctx.Err()
}

// Chunk chunks already extracted text as a single page. A non-nil profile
// overrides the sizes or strategy of docType's profile for this call.
func (p *Pipeline) Chunk(ctx context.Context, text, docType string, profile *chunk.Profile) (*chunk.Result, error) {
	if docType == "" {
		docType = p.cfg.DocumentType
	}
	ext := &docpipe.ExtractionResult{
		Text:  text,
		Pages: []docpipe.PageContent{{PageNumber: 1, Text: text}},
	}
	return p.chunker.ChunkDocumentWith(ctx, ext, docType, profile)
}

// Stats is the guard's diagnostic snapshot.
func (p *Pipeline) Stats() guard.Stats { return p.guard.Stats() }

// Close releases held slots, the OCR engine and the event store.
func (p *Pipeline) Close() error {
	if held := p.guard.Shutdown(); len(held) > 0 {
		p.logger.Warn("ingest: closed with slots held", "count", len(held))
	}
	err := p.docs.Close()
	if p.events != nil {
		err = errors.Join(err, p.events.Close())
	}
	return err
}

// admit runs the gate and turns a rejection into ValidationFailed.
func (p *Pipeline) admit(ctx context.Context, req Request) (*filegate.Outcome, error) {
	out, err := p.gate.Validate(ctx, req.Data, req.Filename, req.ContentType)
	if err != nil {
		return nil, &docpipe.ExtractionError{Kind: docpipe.KindValidationFailed, Detail: "validation fault", Cause: err}
	}
	if !out.Valid {
		return out, validationError(out)
	}
	return out, nil
}

type extractOutcome struct {
	res *docpipe.ExtractionResult
	err error
}

// extractInSlot holds a guard slot for the duration of the extraction.
// The extractor cannot be interrupted, so the slot stays held until its
// goroutine exits even when the caller has already returned. On deadline
// the breaker is fed a failure at once; a caller cancellation feeds it
// nothing.
func (p *Pipeline) extractInSlot(ctx context.Context, req Request, out *filegate.Outcome) (*docpipe.ExtractionResult, string, error) {
	slotID, err := p.guard.Acquire(out.SanitizedFilename)
	if err != nil {
		return nil, "", admissionError(err)
	}

	timeout := p.extractTimeout(req.Options.Timeout)
	ectx, cancel := context.WithTimeout(ctx, timeout)

	done := make(chan extractOutcome, 1)
	go func() {
		defer cancel()
		o := p.runExtraction(ectx, req, out)
		p.guard.ReleaseSlot(slotID, !systemFault(o.err))
		done <- o
	}()

	select {
	case o := <-done:
		return o.res, slotID, o.err
	case <-ectx.Done():
	}

	deadline := errors.Is(ectx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	var settled bool
	if deadline {
		settled = p.guard.Settle(slotID, false)
	} else {
		settled = p.guard.Void(slotID)
	}
	if !settled {
		// The extractor finished as the context expired.
		o := <-done
		return o.res, slotID, o.err
	}

	if !deadline {
		p.logger.Info("ingest: caller gave up during extraction",
			"filename", out.SanitizedFilename, "slot", slotID, "error", ctx.Err())
		return nil, slotID, fmt.Errorf("ingest: %s: %w", out.SanitizedFilename, ctx.Err())
	}
	p.logger.Warn("ingest: extraction timed out",
		"filename", out.SanitizedFilename, "timeout", timeout, "slot", slotID)
	return nil, slotID, &docpipe.ExtractionError{
		Kind:   docpipe.KindTimeout,
		Detail: fmt.Sprintf("extraction exceeded %s", timeout),
		Cause:  ectx.Err(),
	}
}

// runExtraction calls the extractor, turning a panic into an Internal
// error so a hostile document cannot take the process down.
func (p *Pipeline) runExtraction(ctx context.Context, req Request, out *filegate.Outcome) (o extractOutcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ingest: extractor panic",
				"filename", out.SanitizedFilename, "panic", r, "stack", string(debug.Stack()))
			o = extractOutcome{err: &docpipe.ExtractionError{
				Kind:   docpipe.KindInternal,
				Detail: "extractor crashed",
				Cause:  fmt.Errorf("panic: %v", r),
			}}
		}
	}()
	res, err := p.docs.ExtractValidated(ctx, req.Data, out, req.Options)
	return extractOutcome{res, err}
}

// extractTimeout bounds a caller-supplied timeout by the configured
// maximum.
func (p *Pipeline) extractTimeout(requested time.Duration) time.Duration {
	cfg := p.docs.Config()
	if requested <= 0 {
		return min(cfg.DefaultTimeout, cfg.MaxTimeout)
	}
	return min(requested, cfg.MaxTimeout)
}

// systemFault reports whether err should count against the breaker.
// Documents that are malformed or of an unsupported type are the caller's
// fault and leave the breaker alone.
func systemFault(err error) bool {
	if err == nil {
		return false
	}
	switch docpipe.KindOf(err) {
	case docpipe.KindFormatError, docpipe.KindUnsupportedType, docpipe.KindValidationFailed:
		return false
	}
	return true
}

// CacheKey hashes text after NFC normalization and whitespace collapsing,
// so re-extractions that differ only in layout map to the same key.
func CacheKey(text string) string {
	return chunk.GenerateTextHash(strings.Join(strings.Fields(norm.NFC.String(text)), " "))
}
