package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/docingest/chunk"
	"github.com/hazyhaar/docingest/docpipe"
	"github.com/hazyhaar/docingest/idgen"
	"github.com/hazyhaar/docingest/kit"
	"github.com/hazyhaar/docingest/shield"
)

// Handler returns the HTTP surface with recovery, request correlation and
// security headers.
func (p *Pipeline) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(contextMiddleware(idgen.Prefixed("req_", idgen.Default)))
	r.Use(shield.SecurityHeaders(shield.APIHeaders()))
	r.Use(shield.MaxJSONBody(p.gate.Config().MaxFileSize))
	p.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the /v1 routes on r.
//
// Uploads are either multipart with a "file" field, or a raw body with the
// filename in the "filename" query parameter and the declared type in
// Content-Type. POST routes share the per-client rate limit when one is
// configured.
func (p *Pipeline) RegisterHTTP(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if p.limiter != nil {
				r.Use(p.limiter.Middleware)
			}
			r.Post("/validate", p.handleValidate)
			r.Post("/extract", p.handleExtract)
			r.Post("/ingest", p.handleIngest)
			r.Post("/chunk", p.handleChunk)
		})
		r.Get("/guard", p.handleGuard)
		r.Get("/health", p.handleHealth)
		r.Get("/events", p.handleEvents)
	})
}

// contextMiddleware enriches the request context with kit values so that
// logs and events can be correlated.
func contextMiddleware(newID idgen.Generator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = newID()
			}
			ctx := kit.WithRequestID(r.Context(), reqID)
			ctx = kit.WithTransport(ctx, "http")
			ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (p *Pipeline) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, err := p.readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := p.Validate(r.Context(), req.Data, req.Filename, req.ContentType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	code := http.StatusOK
	if !out.Valid {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, out)
}

func (p *Pipeline) handleExtract(w http.ResponseWriter, r *http.Request) {
	req, err := p.readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := p.Extract(r.Context(), req)
	if err != nil {
		p.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (p *Pipeline) handleIngest(w http.ResponseWriter, r *http.Request) {
	req, err := p.readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := p.Ingest(r.Context(), req)
	if err != nil {
		p.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type chunkRequest struct {
	Text         string         `json:"text"`
	DocumentType string         `json:"document_type"`
	Profile      *chunk.Profile `json:"profile,omitempty"`
}

func (p *Pipeline) handleChunk(w http.ResponseWriter, r *http.Request) {
	var req chunkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, p.gate.Config().MaxFileSize+1)).Decode(&req); err != nil {
		code := http.StatusBadRequest
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			code = http.StatusRequestEntityTooLarge
		}
		writeError(w, code, fmt.Errorf("decode body: %w", err))
		return
	}
	res, err := p.Chunk(r.Context(), req.Text, req.DocumentType, req.Profile)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (p *Pipeline) handleGuard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.Stats())
}

func (p *Pipeline) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := p.Stats()
	lang, ocrReady := p.docs.OCRReady()
	resp := map[string]any{
		"status":          "ok",
		"breaker":         st.Breaker.State.String(),
		"memory":          st.Memory.Level,
		"slots_available": st.Available,
		"ocr_ready":       ocrReady,
	}
	if ocrReady {
		resp["ocr_language"] = lang
	}
	code := http.StatusOK
	if !st.Memory.Allowed || !p.guard.CanExecute() {
		resp["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (p *Pipeline) handleEvents(w http.ResponseWriter, r *http.Request) {
	if p.events == nil {
		writeError(w, http.StatusNotFound, errors.New("event store not configured"))
		return
	}
	events, err := p.events.Recent(r.Context(), r.URL.Query().Get("stage"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// readUpload reads the document and the per-request options from r.
// Bodies over the gate's size limit are truncated one byte past it so the
// gate reports FILE_TOO_LARGE.
func (p *Pipeline) readUpload(r *http.Request) (Request, error) {
	limit := p.gate.Config().MaxFileSize + 1
	q := r.URL.Query()
	req := Request{
		Filename:     q.Get("filename"),
		DocumentType: q.Get("document_type"),
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			return req, fmt.Errorf("parse form: %w", err)
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return req, errors.New("missing file field")
			}
			if err != nil {
				return req, fmt.Errorf("parse form: %w", err)
			}
			if part.FormName() != "file" {
				part.Close()
				continue
			}
			if req.Filename == "" {
				req.Filename = part.FileName()
			}
			req.ContentType = part.Header.Get("Content-Type")
			req.Data, err = io.ReadAll(io.LimitReader(part, limit))
			part.Close()
			if err != nil {
				return req, fmt.Errorf("read file: %w", err)
			}
			break
		}
	} else {
		req.ContentType = r.Header.Get("Content-Type")
		data, err := io.ReadAll(io.LimitReader(r.Body, limit))
		if err != nil {
			return req, fmt.Errorf("read body: %w", err)
		}
		req.Data = data
	}
	if req.Filename == "" {
		return req, errors.New("missing filename")
	}

	opts, err := parseOptions(q)
	if err != nil {
		return req, err
	}
	req.Options = opts
	return req, nil
}

func parseOptions(q url.Values) (docpipe.Options, error) {
	get := q.Get
	var opts docpipe.Options
	if v := get("ocr"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("ocr: %w", err)
		}
		opts.DisableOCR = !on
	}
	opts.OCRLanguage = get("ocr_language")
	if v := get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return opts, fmt.Errorf("timeout: %w", err)
		}
		if d <= 0 {
			return opts, fmt.Errorf("timeout must be positive")
		}
		opts.Timeout = d
	}
	if v := get("language_detection"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("language_detection: %w", err)
		}
		opts.DisableLanguageDetection = !on
	}
	return opts, nil
}

// errorBody is the JSON shape of a failed request.
type errorBody struct {
	Error         string   `json:"error"`
	Kind          string   `json:"kind,omitempty"`
	Retryable     bool     `json:"retryable"`
	SecurityFlags []string `json:"security_flags,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	RequestID     string   `json:"request_id,omitempty"`
}

func (p *Pipeline) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{
		Error:     err.Error(),
		Kind:      string(docpipe.KindOf(err)),
		Retryable: Retryable(err),
		RequestID: kit.GetRequestID(r.Context()),
	}
	var ee *docpipe.ExtractionError
	if errors.As(err, &ee) {
		body.SecurityFlags = ee.Flags
		body.Errors = ee.Errors
	}
	code := HTTPStatus(err)
	if code == http.StatusServiceUnavailable && body.Retryable {
		secs := int(math.Ceil(RetryAfter(err).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	if code >= http.StatusInternalServerError {
		p.logger.Warn("ingest request failed", "error", err, "status", code, "request_id", body.RequestID)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}
