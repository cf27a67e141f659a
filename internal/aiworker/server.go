package aiworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"mt5-bridge/internal/decision"
)

// ServerEngine keeps one llama-server process per worker with the model
// resident in memory. Load starts the server and returns once /health
// answers 200; Generate posts to /completion with the decision schema.
type ServerEngine struct {
	Bin          string // llama-server executable
	ExtraArgs    []string
	BaseURL      string // attach to a running server instead of spawning one
	ReadyTimeout time.Duration
	PollInterval time.Duration
	Client       *http.Client

	url    string
	cmd    *exec.Cmd
	exited chan struct{}
}

func (e *ServerEngine) Load(modelPath string) error {
	if e.Client == nil {
		e.Client = &http.Client{}
	}
	if e.ReadyTimeout <= 0 {
		e.ReadyTimeout = 5 * time.Minute
	}
	if e.PollInterval <= 0 {
		e.PollInterval = 250 * time.Millisecond
	}
	if e.BaseURL != "" {
		e.url = strings.TrimRight(e.BaseURL, "/")
		return e.waitHealthy()
	}

	if st, err := os.Stat(modelPath); err != nil {
		return err
	} else if st.IsDir() {
		return fmt.Errorf("%s is a directory", modelPath)
	}
	port, err := freePort()
	if err != nil {
		return fmt.Errorf("llama-server port: %w", err)
	}
	args := append([]string{"-m", modelPath, "--host", "127.0.0.1", "--port", strconv.Itoa(port)}, e.ExtraArgs...)
	cmd := exec.Command(e.bin(), args...)
	// stdout belongs to the worker protocol.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.bin(), err)
	}
	e.cmd = cmd
	e.exited = make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(e.exited)
	}()
	e.url = "http://127.0.0.1:" + strconv.Itoa(port)

	if err := e.waitHealthy(); err != nil {
		_ = e.Close()
		return err
	}
	return nil
}

// waitHealthy polls /health; llama-server answers 503 while the model loads.
func (e *ServerEngine) waitHealthy() error {
	deadline := time.NewTimer(e.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(e.PollInterval)
	defer tick.Stop()
	for {
		if e.healthy() {
			return nil
		}
		select {
		case <-e.exited:
			return errors.New("llama-server exited while loading the model")
		case <-deadline.C:
			return fmt.Errorf("llama-server not healthy after %s", e.ReadyTimeout)
		case <-tick.C:
		}
	}
}

func (e *ServerEngine) healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type completionRequest struct {
	Prompt      string          `json:"prompt"`
	NPredict    int             `json:"n_predict"`
	Temperature float64         `json:"temperature"`
	JSONSchema  json.RawMessage `json:"json_schema"`
	CachePrompt bool            `json:"cache_prompt"`
}

func (e *ServerEngine) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	body, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		NPredict:    maxTokens,
		Temperature: temperature,
		JSONSchema:  json.RawMessage(decision.SchemaJSON),
		CachePrompt: true,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llama-server: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("llama-server: read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llama-server: status %d: %s", resp.StatusCode, strings.TrimSpace(gjson.GetBytes(raw, "error.message").String()))
	}
	content := gjson.GetBytes(raw, "content")
	if !content.Exists() {
		return "", errors.New("llama-server: reply has no content")
	}
	return strings.TrimSpace(content.String()), nil
}

// Close stops a spawned server: interrupt, then kill after five seconds.
func (e *ServerEngine) Close() error {
	if e.cmd == nil || e.cmd.Process == nil {
		return nil
	}
	_ = e.cmd.Process.Signal(os.Interrupt)
	select {
	case <-e.exited:
	case <-time.After(5 * time.Second):
		_ = e.cmd.Process.Kill()
		<-e.exited
	}
	e.cmd = nil
	return nil
}

func (e *ServerEngine) bin() string {
	if e.Bin == "" {
		return "llama-server"
	}
	return e.Bin
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
