package aiworker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"mt5-bridge/internal/decision"
)

// CLIEngine runs llama-cli once per request with the decision schema as the
// sampling grammar, reloading the model each time. It is the opt-in
// "llama-cli" engine; ServerEngine keeps the model resident instead. Load
// only validates the model path.
type CLIEngine struct {
	Bin       string // llama-cli executable
	ExtraArgs []string

	model string
}

func (e *CLIEngine) Load(modelPath string) error {
	st, err := os.Stat(modelPath)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", modelPath)
	}
	if _, err := exec.LookPath(e.bin()); err != nil {
		return fmt.Errorf("llama cli: %w", err)
	}
	e.model = modelPath
	return nil
}

func (e *CLIEngine) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	args := []string{
		"-m", e.model,
		"-p", prompt,
		"-n", strconv.Itoa(maxTokens),
		"--temp", strconv.FormatFloat(temperature, 'f', -1, 64),
		"--json-schema", decision.SchemaJSON,
		"--no-display-prompt",
	}
	args = append(args, e.ExtraArgs...)

	cmd := exec.CommandContext(ctx, e.bin(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[len(msg)-200:]
		}
		return "", fmt.Errorf("llama-cli: %w: %s", err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *CLIEngine) Close() error { return nil }

func (e *CLIEngine) bin() string {
	if e.Bin == "" {
		return "llama-cli"
	}
	return e.Bin
}
