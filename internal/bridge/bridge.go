package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// toolNamespace prefixes every tool name the bridge advertises upstream, so
// a host juggling several projects' bridges never sees a bare "save" or
// "query" collide across them.
const toolNamespace = "kmd"

// Options configures a Bridge.
type Options struct {
	Workers int // bounded concurrent HTTP calls to the KM; defaults to 4
	Logger  *zap.Logger
	Client  *http.Client
}

// Bridge translates newline-delimited JSON-RPC requests read from stdin into
// HTTP calls against a discovered KM, writing responses to stdout in the
// same order the requests arrived even though the underlying HTTP calls run
// concurrently. initialize, tools/list and tools/call are given their own
// translation (see handle); every other method is forwarded to the KM's
// /mcp endpoint unmodified.
type Bridge struct {
	addr    string
	client  *http.Client
	workers int
	logger  *zap.Logger
}

// New builds a Bridge targeting the KM at addr (host:port, no scheme).
func New(addr string, opts Options) *Bridge {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bridge{
		addr:    addr,
		client:  opts.Client,
		workers: opts.Workers,
		logger:  opts.Logger.Named("bridge"),
	}
}

type job struct {
	seq  int
	line []byte
}

type outcome struct {
	seq  int
	data []byte
}

// Run reads newline-delimited JSON-RPC requests from in until EOF or ctx is
// cancelled, and writes responses to out in arrival order. Requests still
// queued (or in flight) when ctx is cancelled receive a synthesized
// cancellation error response instead of being silently dropped, so the
// host never sees a request vanish without a reply.
func (b *Bridge) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	jobs := make(chan job)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go b.worker(ctx, &wg, jobs, results)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer close(jobs)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		seq := 0
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			select {
			case jobs <- job{seq: seq, line: line}:
				seq++
			case <-ctx.Done():
				// Still hand the line to a worker, which answers it with a
				// cancellation error instead of dropping it.
				jobs <- job{seq: seq, line: line}
				return
			}
		}
	}()

	return b.writeInOrder(results, out)
}

func (b *Bridge) worker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan job, results chan<- outcome) {
	defer wg.Done()
	for j := range jobs {
		select {
		case <-ctx.Done():
			results <- outcome{seq: j.seq, data: cancelledResponse(j.line)}
			continue
		default:
		}
		results <- outcome{seq: j.seq, data: b.handle(ctx, j.line)}
	}
}

// handle dispatches a request by method. initialize, tools/list and
// tools/call get translated; anything else is forwarded to
// the KM's plain JSON-RPC endpoint unmodified.
func (b *Bridge) handle(ctx context.Context, line []byte) []byte {
	var env struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return internalErrorResponse(line, err)
	}

	switch env.Method {
	case "initialize":
		return handleInitialize(env.ID)
	case "tools/list":
		return b.handleToolsList(ctx, env.ID)
	case "tools/call":
		return b.handleToolsCall(ctx, env.ID, env.Params)
	default:
		return b.forward(ctx, line)
	}
}

// handleInitialize answers directly without contacting the KM: the bridge
// itself is the MCP server as far as the host is concerned.
func handleInitialize(id json.RawMessage) []byte {
	data, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Result: map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "kmd-bridge", "version": "dev"},
		},
	})
	if err != nil {
		return mustMarshalErrorResponse(id, -32603, "bridge: encoding initialize response")
	}
	return data
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleToolsList proxies the KM's own tool registry (shared by /mcp and
// /mcp/spec) and prefixes each name with toolNamespace before returning it.
func (b *Bridge) handleToolsList(ctx context.Context, id json.RawMessage) []byte {
	req, _ := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      int    `json:"id"`
	}{JSONRPC: "2.0", Method: "tools/list", ID: 1})

	var upstream struct {
		Result []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"result"`
		Error *rpcErrorBody `json:"error"`
	}
	if err := json.Unmarshal(b.forward(ctx, req), &upstream); err != nil {
		return mustMarshalErrorResponse(id, -32603, "bridge: decoding tools/list response: "+err.Error())
	}
	if upstream.Error != nil {
		return mustMarshalErrorResponse(id, upstream.Error.Code, upstream.Error.Message)
	}

	tools := make([]map[string]any, 0, len(upstream.Result))
	for _, t := range upstream.Result {
		tools = append(tools, map[string]any{
			"name":        toolNamespace + "." + t.Name,
			"description": t.Description,
			"inputSchema": map[string]any{"type": "object"},
		})
	}

	data, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{JSONRPC: "2.0", ID: id, Result: map[string]any{"tools": tools}})
	if err != nil {
		return mustMarshalErrorResponse(id, -32603, "bridge: encoding tools/list response")
	}
	return data
}

// handleToolsCall strips toolNamespace off the requested name, forwards the
// call as a plain JSON-RPC method invocation, and reshapes the KM's raw
// result into the {content:[{type:"text",text}]} envelope tool callers
// expect.
func (b *Bridge) handleToolsCall(ctx context.Context, id json.RawMessage, raw json.RawMessage) []byte {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return mustMarshalErrorResponse(id, -32602, "bridge: invalid tools/call params: "+err.Error())
	}
	name := strings.TrimPrefix(p.Name, toolNamespace+".")

	req, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      int             `json:"id"`
	}{JSONRPC: "2.0", Method: name, Params: p.Arguments, ID: 1})
	if err != nil {
		return mustMarshalErrorResponse(id, -32603, "bridge: encoding tool call: "+err.Error())
	}

	var upstream struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcErrorBody   `json:"error"`
	}
	if err := json.Unmarshal(b.forward(ctx, req), &upstream); err != nil {
		return mustMarshalErrorResponse(id, -32603, "bridge: decoding tool call response: "+err.Error())
	}
	if upstream.Error != nil {
		return mustMarshalErrorResponse(id, upstream.Error.Code, upstream.Error.Message)
	}

	data, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Result: map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(upstream.Result)}},
		},
	})
	if err != nil {
		return mustMarshalErrorResponse(id, -32603, "bridge: encoding tool call response")
	}
	return data
}

func (b *Bridge) forward(ctx context.Context, line []byte) []byte {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+b.addr+"/mcp", bytes.NewReader(line))
	if err != nil {
		return internalErrorResponse(line, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return internalErrorResponse(line, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return internalErrorResponse(line, err)
	}
	return body
}

// writeInOrder buffers out-of-order outcomes until the next expected
// sequence number is available, then flushes as far as it can.
func (b *Bridge) writeInOrder(results <-chan outcome, out io.Writer) error {
	pending := make(map[int][]byte)
	next := 0
	for res := range results {
		pending[res.seq] = res.data
		for {
			data, ok := pending[next]
			if !ok {
				break
			}
			if _, err := out.Write(append(data, '\n')); err != nil {
				return err
			}
			delete(pending, next)
			next++
		}
	}
	return nil
}

func cancelledResponse(line []byte) []byte {
	id := extractID(line)
	return mustMarshalErrorResponse(id, -32603, "bridge: request cancelled during shutdown")
}

func internalErrorResponse(line []byte, cause error) []byte {
	id := extractID(line)
	return mustMarshalErrorResponse(id, -32603, fmt.Sprintf("bridge: transport error: %v", cause))
}

func extractID(line []byte) json.RawMessage {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return json.RawMessage("null")
	}
	if len(envelope.ID) == 0 {
		return json.RawMessage("null")
	}
	return envelope.ID
}

func mustMarshalErrorResponse(id json.RawMessage, code int, message string) []byte {
	data, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Error: struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}{Code: code, Message: message},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"bridge: failed to encode error response"}}`)
	}
	return data
}
