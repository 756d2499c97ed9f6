package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/docingest/chunk"
	"github.com/hazyhaar/docingest/docpipe"
	"github.com/hazyhaar/docingest/horosafe"
	"github.com/hazyhaar/docingest/kit"
)

// RegisterMCP registers the ingest tools on an MCP server.
func (p *Pipeline) RegisterMCP(srv *mcp.Server) {
	p.registerValidateTool(srv)
	p.registerExtractTool(srv)
	p.registerIngestTool(srv)
	p.registerChunkTool(srv)
	p.registerGuardStatsTool(srv)
}

// documentArgs locates a document either on disk or inline.
type documentArgs struct {
	Path          string `json:"path"`
	ContentBase64 string `json:"content_base64"`
	Filename      string `json:"filename"`
	ContentType   string `json:"content_type"`
	DocumentType  string `json:"document_type"`
	DisableOCR    bool   `json:"disable_ocr"`
	OCRLanguage   string `json:"ocr_language"`
	TimeoutSecs   int    `json:"timeout_seconds"`
}

var documentProperties = map[string]any{
	"path":            map[string]any{"type": "string", "description": "File path of the document"},
	"content_base64":  map[string]any{"type": "string", "description": "Document bytes, base64 encoded (instead of path)"},
	"filename":        map[string]any{"type": "string", "description": "Filename for inline content; defaults to the base name of path"},
	"content_type":    map[string]any{"type": "string", "description": "Declared MIME type (optional)"},
	"document_type":   map[string]any{"type": "string", "description": "Chunking category: default, passport, id_card, invoice, receipt, legal, contract"},
	"disable_ocr":     map[string]any{"type": "boolean", "description": "Fail instead of running OCR"},
	"ocr_language":    map[string]any{"type": "string", "description": "Tesseract language, e.g. eng or fra"},
	"timeout_seconds": map[string]any{"type": "integer", "description": "Extraction budget in seconds"},
}

// request loads the document. A path is confined under root when root is
// set, and files above maxBytes are refused before being read.
func (a *documentArgs) request(root string, maxBytes int64) (Request, error) {
	req := Request{
		Filename:     a.Filename,
		ContentType:  a.ContentType,
		DocumentType: a.DocumentType,
		Options: docpipe.Options{
			DisableOCR:  a.DisableOCR,
			OCRLanguage: a.OCRLanguage,
			Timeout:     time.Duration(a.TimeoutSecs) * time.Second,
		},
	}
	switch {
	case a.ContentBase64 != "":
		data, err := base64.StdEncoding.DecodeString(a.ContentBase64)
		if err != nil {
			return req, fmt.Errorf("content_base64: %w", err)
		}
		req.Data = data
	case a.Path != "":
		path := a.Path
		if root != "" {
			var err error
			if path, err = horosafe.SafePath(root, a.Path); err != nil {
				return req, err
			}
		}
		data, err := horosafe.ReadFile(path, maxBytes)
		if err != nil {
			return req, err
		}
		req.Data = data
		if req.Filename == "" {
			req.Filename = filepath.Base(a.Path)
		}
	default:
		return req, errors.New("path or content_base64 is required")
	}
	if req.Filename == "" {
		return req, errors.New("filename is required with content_base64")
	}
	return req, nil
}

func (p *Pipeline) documentRequest(a *documentArgs) (Request, error) {
	return a.request(p.cfg.MCPRoot, p.gate.Config().MaxFileSize)
}

func (p *Pipeline) registerValidateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_validate",
		Description: "Validate an untrusted upload: real content type, sanitized filename, security flags.",
		InputSchema: kit.InputSchema(documentProperties, nil),
	}
	endpoint := kit.Typed(func(ctx context.Context, a *documentArgs) (any, error) {
		req, err := p.documentRequest(a)
		if err != nil {
			return nil, err
		}
		return p.Validate(ctx, req.Data, req.Filename, req.ContentType)
	})
	kit.RegisterMCPTool(srv, tool, kit.Logging(p.logger, tool.Name)(endpoint), kit.DecodeJSON[documentArgs]())
}

func (p *Pipeline) registerExtractTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_extract",
		Description: "Validate and extract page-segmented text from a PDF, DOCX, ODT, text or image document.",
		InputSchema: kit.InputSchema(documentProperties, nil),
	}
	endpoint := kit.Typed(func(ctx context.Context, a *documentArgs) (any, error) {
		req, err := p.documentRequest(a)
		if err != nil {
			return nil, err
		}
		return p.Extract(ctx, req)
	})
	kit.RegisterMCPTool(srv, tool, kit.Logging(p.logger, tool.Name)(endpoint), kit.DecodeJSON[documentArgs]())
}

func (p *Pipeline) registerIngestTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_document",
		Description: "Validate, extract and chunk a document for embedding.",
		InputSchema: kit.InputSchema(documentProperties, nil),
	}
	endpoint := kit.Typed(func(ctx context.Context, a *documentArgs) (any, error) {
		req, err := p.documentRequest(a)
		if err != nil {
			return nil, err
		}
		return p.Ingest(ctx, req)
	})
	kit.RegisterMCPTool(srv, tool, kit.Logging(p.logger, tool.Name)(endpoint), kit.DecodeJSON[documentArgs]())
}

type chunkArgs struct {
	Text         string         `json:"text"`
	DocumentType string         `json:"document_type"`
	Profile      *chunk.Profile `json:"profile"`
}

func (p *Pipeline) registerChunkTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_chunk",
		Description: "Chunk plain text with the profile of a document category.",
		InputSchema: kit.InputSchema(map[string]any{
			"text":          map[string]any{"type": "string", "description": "Text to chunk"},
			"document_type": documentProperties["document_type"],
			"profile": map[string]any{
				"type":        "object",
				"description": "Overrides for this call: target_chunk_size, max_chunk_size, overlap_tokens, min_chunk_size, strategy (fixed, semantic, hybrid), preserve_sentences",
			},
		}, []string{"text"}),
	}
	endpoint := kit.Typed(func(ctx context.Context, a *chunkArgs) (any, error) {
		return p.Chunk(ctx, a.Text, a.DocumentType, a.Profile)
	})
	kit.RegisterMCPTool(srv, tool, kit.Logging(p.logger, tool.Name)(endpoint), kit.DecodeJSON[chunkArgs]())
}

func (p *Pipeline) registerGuardStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_guard_stats",
		Description: "Report held slots, circuit breaker state and memory pressure.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		return p.Stats(), nil
	}
	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
