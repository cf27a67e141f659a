// Command aiworker serves one model over the line-delimited JSON worker
// protocol on stdin/stdout. Logs go to stderr; stdout carries replies only.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mt5-bridge/internal/aiworker"
	"mt5-bridge/internal/logger"
)

func main() {
	modelPath := flag.String("model", "", "Path to the model file")
	engineName := flag.String("engine", "llama", "Inference engine: llama, llama-cli or rules")
	llamaServer := flag.String("llama-server", "llama-server", "llama-server executable used by the llama engine")
	llamaCLI := flag.String("llama-cli", "llama-cli", "llama-cli executable used by the llama-cli engine")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logger.ParseLevel(*level),
	})).With("service", "aiworker", "pid", os.Getpid())

	var engine aiworker.Engine
	switch *engineName {
	case "rules":
		engine = aiworker.NewRuleEngine()
	case "llama":
		engine = &aiworker.ServerEngine{Bin: *llamaServer}
	case "llama-cli":
		engine = &aiworker.CLIEngine{Bin: *llamaCLI}
	default:
		log.Error("unknown engine", "engine", *engineName)
		os.Exit(2)
	}

	// SIGINT goes to the whole process group; the parent stops us with a
	// shutdown sentinel instead.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := aiworker.Serve(ctx, os.Stdin, os.Stdout, engine, *modelPath, log); err != nil {
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
}
