package aiworker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"mt5-bridge/internal/decision"
)

// Engine generates text for a prompt. Implementations need not be safe for
// concurrent use: Serve calls Generate for one request at a time.
type Engine interface {
	Load(modelPath string) error
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
	Close() error
}

const maxLine = 1 << 20

// Serve runs the worker protocol: load the model, announce ready, then answer
// generate requests until a shutdown sentinel, EOF on in, or ctx is done.
func Serve(ctx context.Context, in io.Reader, out io.Writer, engine Engine, modelPath string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	enc := json.NewEncoder(out)
	name := filepath.Base(modelPath)

	if err := engine.Load(modelPath); err != nil {
		_ = enc.Encode(Reply{Kind: KindFatal, Error: err.Error(), Model: name})
		return fmt.Errorf("load model %s: %w", modelPath, err)
	}
	defer engine.Close()

	if err := enc.Encode(Reply{Kind: KindReady, Success: true, Model: name}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	log.Info("worker ready", "model", name)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Warn("bad request line", "error", err)
			continue
		}
		switch req.Kind {
		case KindShutdown:
			log.Info("shutdown requested")
			return nil
		case KindGenerate:
			if err := enc.Encode(handle(ctx, engine, req)); err != nil {
				return fmt.Errorf("write reply: %w", err)
			}
		default:
			log.Warn("unknown request kind", "kind", req.Kind)
		}
	}
	return scanner.Err()
}

func handle(ctx context.Context, engine Engine, req Request) Reply {
	start := time.Now()
	text, err := engine.Generate(ctx, req.Prompt, req.MaxTokens, req.Temperature)
	reply := Reply{
		Kind:      KindResult,
		ID:        req.ID,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.Success = true
	reply.Text = text
	if d, perr := decision.Parse(text); perr == nil {
		if raw, merr := decision.Marshal(d); merr == nil {
			reply.Parsed = raw
		}
	}
	return reply
}
