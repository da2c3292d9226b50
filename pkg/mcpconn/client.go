package mcpconn

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/faults"
)

// JSON-RPC messages for the stdio tool-server protocol
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ServerInfo is the metadata captured from the initialize handshake.
// Connection probes read this instead of issuing a network round trip.
type ServerInfo struct {
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	ProtocolVersion string    `json:"protocol_version"`
	ConnectedAt     time.Time `json:"connected_at"`
}

// ToolDefinition describes one tool exposed by a server.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Client talks JSON-RPC over stdio to one tool-server subprocess.
type Client struct {
	cfg        config.ToolServerConfig
	sessionEnv map[string]string

	mu       sync.Mutex
	process  *exec.Cmd
	stdin    io.WriteCloser
	id       int
	pending  map[int]chan *rpcResponse
	info     *ServerInfo
	closed   bool
	exited   chan struct{}
	listenWG sync.WaitGroup
}

// NewClient creates a client for a configured tool server. sessionEnv is
// merged over the server's configured environment; it carries per-session
// values such as the session key.
func NewClient(cfg config.ToolServerConfig, sessionEnv map[string]string) *Client {
	return &Client{
		cfg:        cfg,
		sessionEnv: sessionEnv,
		pending:    make(map[int]chan *rpcResponse),
	}
}

// Start launches the subprocess and performs the initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return faults.New(faults.CodeConnectionStale, "tool server client is closed")
	}
	if c.process != nil {
		c.mu.Unlock()
		return nil
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range c.sessionEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return err
	}

	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return faults.Wrap(err, faults.CodeInitFailed, "failed to start tool server "+c.cfg.Name)
	}

	c.process = cmd
	c.attachLocked(stdin, stdout)
	exited := make(chan struct{})
	c.exited = exited
	c.mu.Unlock()

	// Reap the subprocess as soon as it exits, whether or not Close is
	// ever called. The stdout stream is drained first so Wait does not
	// cut off a response mid-read.
	go func() {
		c.listenWG.Wait()
		_ = cmd.Wait()
		close(exited)
	}()

	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return faults.Wrap(err, faults.CodeInitFailed, "initialize handshake failed for "+c.cfg.Name)
	}
	return nil
}

// attachLocked wires the transport. Callers must hold c.mu.
func (c *Client) attachLocked(stdin io.WriteCloser, stdout io.Reader) {
	c.stdin = stdin
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	c.listenWG.Add(1)
	go c.listen(scanner)
}

func (c *Client) listen(scanner *bufio.Scanner) {
	defer c.listenWG.Done()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Error().Err(err).Str("server", c.cfg.Name).Msg("Failed to unmarshal tool server response")
			continue
		}

		if id, ok := resp.ID.(float64); ok {
			c.mu.Lock()
			ch, exists := c.pending[int(id)]
			if exists {
				delete(c.pending, int(id))
				ch <- &resp
			}
			c.mu.Unlock()
		}
	}

	// Stream ended. The connection is gone: fail every caller still
	// waiting and drop the handshake metadata so probes see it.
	c.mu.Lock()
	c.info = nil
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "Concierge",
			"version": "0.1.0",
		},
	}

	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var initResult struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &initResult); err != nil {
		return err
	}

	c.mu.Lock()
	c.info = &ServerInfo{
		Name:            initResult.ServerInfo.Name,
		Version:         initResult.ServerInfo.Version,
		ProtocolVersion: initResult.ProtocolVersion,
		ConnectedAt:     time.Now(),
	}
	c.mu.Unlock()

	// Per protocol, the client confirms before issuing requests.
	return c.notify("notifications/initialized", nil)
}

func (c *Client) notify(method string, params interface{}) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return faults.New(faults.CodeConnectionStale, "tool server not started")
	}

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdin, string(data)+"\n")
	return err
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	c.mu.Lock()
	if c.stdin == nil {
		c.mu.Unlock()
		return nil, faults.New(faults.CodeConnectionStale, "tool server not started")
	}
	c.id++
	id := c.id
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	stdin := c.stdin
	c.mu.Unlock()

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if _, err := io.WriteString(stdin, string(data)+"\n"); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, faults.Wrap(err, faults.CodeConnectionStale, "tool server write failed")
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, faults.New(faults.CodeConnectionStale, "tool server stream closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("tool server error (%d): %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Info returns the metadata stored during the initialize handshake.
func (c *Client) Info() (ServerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return ServerInfo{}, false
	}
	return *c.info, true
}

// Running reports whether the subprocess is alive. This inspects local
// process state only.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.process == nil || c.process.Process == nil {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// ListTools fetches tool definitions from the server.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return nil, err
	}

	defs := make([]ToolDefinition, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs, nil
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	resp, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Close shuts the subprocess down, escalating from SIGTERM to SIGKILL.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	process := c.process
	exited := c.exited
	c.stdin = nil
	c.info = nil
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if process == nil || process.Process == nil {
		return nil
	}

	_ = process.Process.Signal(os.Interrupt)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		_ = process.Process.Kill()
		<-exited
	}
	return nil
}
