package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// MCP is an engine backend that drives a run as a single call against a
// tool exposed by a connected MCP server. One MCP instance wraps one
// already-initialized client plus the tool name to invoke; the prompt is
// passed as the tool's configured argument key (ArgKey, default "prompt").
type MCP struct {
	id     string
	client *mcpclient.Client
	tool   string
	argKey string

	mu     sync.Mutex
	cancel map[RunRef]context.CancelFunc
}

// NewMCP wraps an initialized MCP client. id is the engine id this
// adapter registers under (so multiple MCP servers can coexist as
// distinct engines); tool is the MCP tool name called per run.
func NewMCP(id string, client *mcpclient.Client, tool string) *MCP {
	return &MCP{id: id, client: client, tool: tool, argKey: "prompt", cancel: make(map[RunRef]context.CancelFunc)}
}

func (m *MCP) ID() string { return m.id }

type mcpRef struct{ id string }

func (m *MCP) StartRun(ctx context.Context, job Job, opts StartOpts, sink Sink) (StartResult, error) {
	ref := &mcpRef{id: opts.RunID}
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel[ref] = cancel
	m.mu.Unlock()

	go m.call(runCtx, ref, job, sink)

	return StartResult{Ref: ref, CancelFunc: cancel}, nil
}

func (m *MCP) call(ctx context.Context, ref RunRef, job Job, sink Sink) {
	sink.Event(ref, Event{Kind: "started", Title: "mcp:" + m.tool})

	req := mcpgo.CallToolRequest{}
	req.Params.Name = m.tool
	req.Params.Arguments = map[string]any{m.argKey: job.Prompt}

	res, err := m.client.CallTool(ctx, req)

	m.mu.Lock()
	delete(m.cancel, ref)
	m.mu.Unlock()

	if err != nil {
		ok := false
		sink.Event(ref, Event{Kind: "completed", OK: &ok, Error: err.Error()})
		return
	}

	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	answer := strings.Join(parts, "\n")

	ok := !res.IsError
	errMsg := ""
	if res.IsError {
		errMsg = fmt.Sprintf("mcp tool %q reported an error", m.tool)
	}
	sink.Event(ref, Event{Kind: "completed", OK: &ok, Answer: answer, Error: errMsg})
}

func (m *MCP) Cancel(ctx context.Context, ref RunRef) error {
	m.mu.Lock()
	cancel, ok := m.cancel[ref]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (m *MCP) SupportsSteer() bool { return false }

func (m *MCP) Steer(ctx context.Context, ref RunRef, text string) error {
	return fmt.Errorf("mcp engine: steer not supported")
}

func (m *MCP) FormatResume(tok ResumeToken) string { return "" }

func (m *MCP) ExtractResume(line string) (ResumeToken, bool) { return ResumeToken{}, false }
