// Command docingest validates, extracts and chunks documents from the
// command line, over HTTP (serve) or as an MCP stdio server (mcp).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v2"

	"github.com/hazyhaar/docingest/chunk"
	"github.com/hazyhaar/docingest/docpipe"
	"github.com/hazyhaar/docingest/horosafe"
	"github.com/hazyhaar/docingest/ingest"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "docingest",
		Usage:   "validate, extract and chunk untrusted documents",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"DOCINGEST_CONFIG"}},
			&cli.StringSliceFlag{Name: "env-file", Usage: "dotenv file(s) to load before DOCINGEST_* overrides"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error", EnvVars: []string{"LOG_LEVEL"}},
			&cli.StringFlag{Name: "events-db", Usage: "SQLite file recording stage events"},
		},
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "run the validation gate on a file",
				ArgsUsage: "FILE",
				Action:    validateAction,
			},
			{
				Name:      "extract",
				Usage:     "validate and extract text from a file",
				ArgsUsage: "FILE",
				Flags: append(extractFlags(),
					&cli.BoolFlag{Name: "text", Usage: "print plain text instead of JSON"},
				),
				Action: extractAction,
			},
			{
				Name:      "chunk",
				Usage:     "chunk plain text from a file or stdin",
				ArgsUsage: "[FILE|-]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "document-type", Aliases: []string{"t"}, Usage: "chunking profile"},
					&cli.IntFlag{Name: "target-tokens", Usage: "override the profile's target chunk size"},
					&cli.IntFlag{Name: "overlap-tokens", Usage: "override the profile's overlap", Value: -1},
					&cli.StringFlag{Name: "strategy", Usage: "override the profile's strategy: fixed, semantic or hybrid"},
				},
				Action: chunkAction,
			},
			{
				Name:      "ingest",
				Usage:     "validate, extract and chunk one or more files",
				ArgsUsage: "FILE...",
				Flags: append(extractFlags(),
					&cli.StringFlag{Name: "document-type", Aliases: []string{"t"}, Usage: "chunking profile"},
				),
				Action: ingestAction,
			},
			{
				Name:  "serve",
				Usage: "serve the HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "listen address (overrides config)"},
				},
				Action: serveAction,
			},
			{
				Name:   "mcp",
				Usage:  "serve the ingest tools over MCP stdio",
				Action: mcpAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "docingest:", err)
		os.Exit(1)
	}
}

func extractFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "no-ocr", Usage: "fail instead of running OCR"},
		&cli.StringFlag{Name: "ocr-language", Usage: "tesseract language, e.g. eng or fra"},
		&cli.DurationFlag{Name: "timeout", Usage: "extraction budget per document"},
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	// stdout carries command output; logs go to stderr.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func openPipeline(c *cli.Context) (*ingest.Pipeline, *ingest.Config, error) {
	logger, err := newLogger(c.String("log-level"))
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	cfg, err := ingest.LoadConfig(c.String("config"), c.StringSlice("env-file")...)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if db := c.String("events-db"); db != "" {
		cfg.EventsDB = db
	}
	cfg.Logger = logger

	p, err := ingest.New(*cfg)
	if err != nil {
		return nil, nil, err
	}
	return p, cfg, nil
}

func options(c *cli.Context) docpipe.Options {
	return docpipe.Options{
		DisableOCR:  c.Bool("no-ocr"),
		OCRLanguage: c.String("ocr-language"),
		Timeout:     c.Duration("timeout"),
	}
}

// readRequest loads path, refusing files above the gate's size limit
// before reading them.
func readRequest(c *cli.Context, p *ingest.Pipeline, path string) (ingest.Request, error) {
	data, err := horosafe.ReadFile(path, p.Gate().Config().MaxFileSize)
	if err != nil {
		return ingest.Request{}, err
	}
	return ingest.Request{
		Data:         data,
		Filename:     filepath.Base(path),
		DocumentType: c.String("document-type"),
		Options:      options(c),
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func validateAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("validate: exactly one FILE is required", 2)
	}
	p, _, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	req, err := readRequest(c, p, c.Args().First())
	if err != nil {
		return err
	}
	out, err := p.Validate(c.Context, req.Data, req.Filename, "")
	if err != nil {
		return err
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if !out.Valid {
		return cli.Exit("", 1)
	}
	return nil
}

func extractAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("extract: exactly one FILE is required", 2)
	}
	p, _, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	req, err := readRequest(c, p, c.Args().First())
	if err != nil {
		return err
	}
	res, err := p.Extract(c.Context, req)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		slog.Warn("extraction warning", "file", req.Filename, "warning", w)
	}
	if c.Bool("text") {
		_, err := io.WriteString(os.Stdout, res.Text+"\n")
		return err
	}
	return printJSON(res)
}

func chunkAction(c *cli.Context) error {
	p, _, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	var text []byte
	switch path := c.Args().First(); path {
	case "", "-":
		text, err = io.ReadAll(os.Stdin)
	default:
		text, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	res, err := p.Chunk(c.Context, string(text), c.String("document-type"), profileOverride(c, p))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	return printJSON(res)
}

// profileOverride builds a per-call profile from the chunk flags, or nil
// when none is set.
func profileOverride(c *cli.Context, p *ingest.Pipeline) *chunk.Profile {
	if !c.IsSet("target-tokens") && !c.IsSet("overlap-tokens") && !c.IsSet("strategy") {
		return nil
	}
	prof := p.Chunker().Profile(c.String("document-type"))
	if c.IsSet("target-tokens") {
		prof.TargetChunkSize = c.Int("target-tokens")
		prof.MaxChunkSize = 0
	}
	if c.IsSet("overlap-tokens") {
		prof.OverlapTokens = c.Int("overlap-tokens")
	}
	if c.IsSet("strategy") {
		prof.Strategy = chunk.Strategy(c.String("strategy"))
	}
	return &prof
}

func ingestAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("ingest: at least one FILE is required", 2)
	}
	p, _, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reqs := make([]ingest.Request, 0, c.NArg())
	var total uint64
	for _, path := range c.Args().Slice() {
		req, err := readRequest(c, p, path)
		if err != nil {
			return err
		}
		total += uint64(len(req.Data))
		reqs = append(reqs, req)
	}

	start := time.Now()
	items, err := p.IngestBatch(ctx, reqs)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	var failed, chunks, tokens int
	for _, it := range items {
		if it.Err != nil {
			failed++
			slog.Error("ingest failed", "file", it.Filename, "error", it.Err, "retryable", ingest.Retryable(it.Err))
			continue
		}
		chunks += it.Result.Chunks.TotalChunks
		tokens += it.Result.Chunks.TotalTokens
		if err := enc.Encode(it); err != nil {
			return err
		}
	}

	slog.Info("ingest done",
		"files", len(items),
		"failed", failed,
		"bytes", humanize.Bytes(total),
		"chunks", humanize.Comma(int64(chunks)),
		"tokens", humanize.Comma(int64(tokens)),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d files failed", failed, len(items)), 1)
	}
	return nil
}

func serveAction(c *cli.Context) error {
	p, cfg, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	addr := cfg.Listen
	if l := c.String("listen"); l != "" {
		addr = l
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("docingest listening",
			"addr", addr,
			"max_file_size", humanize.Bytes(uint64(cfg.Gate.MaxFileSize)),
			"slots", p.Stats().MaxConcurrent,
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func mcpAction(c *cli.Context) error {
	p, _, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mcp.NewServer(&mcp.Implementation{Name: "docingest", Version: version}, nil)
	p.RegisterMCP(srv)
	slog.Info("docingest mcp on stdio")
	return srv.Run(ctx, &mcp.StdioTransport{})
}
