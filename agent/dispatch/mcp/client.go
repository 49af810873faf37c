// Package mcp routes remote (MCP) tool calls to a named gRPC server keyed
// by the tool's namespace prefix (spec.md §4.2 "Custom / remote (MCP)
// tools"). The runtime treats the wire protocol as opaque beyond a single
// CallTool RPC: requests and responses are exchanged as protobuf Struct
// values so no toolset-specific codegen is required to add a server.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const callToolMethod = "/agentrt.mcp.v1.ToolService/CallTool"

// Client dispatches tool calls to one or more named MCP servers over gRPC.
// Connections are established lazily and cached per server name.
type Client struct {
	mu      sync.Mutex
	dialers map[string]func(ctx context.Context) (*grpc.ClientConn, error)
	conns   map[string]*grpc.ClientConn
}

// NewClient constructs a Client with no servers registered. Register each
// server's dialer before the first Call addressed to it.
func NewClient() *Client {
	return &Client{
		dialers: make(map[string]func(ctx context.Context) (*grpc.ClientConn, error)),
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// RegisterServer associates server with a dial function, invoked on the
// first Call to server. A successful connection is cached and reused; a
// failed dial is not cached, so the next Call dials again.
func (c *Client) RegisterServer(server string, dial func(ctx context.Context) (*grpc.ClientConn, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialers[server] = dial
}

func (c *Client) connFor(ctx context.Context, server string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[server]; ok {
		return conn, nil
	}
	dial, ok := c.dialers[server]
	if !ok {
		return nil, fmt.Errorf("mcp: no server registered for %q", server)
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: dial server %q: %w", server, err)
	}
	c.conns[server] = conn
	return conn, nil
}

// Call invokes tool on server with input, and returns the tool's JSON
// output. It implements agent/dispatch.MCPClient.
func (c *Client) Call(ctx context.Context, server, tool string, input json.RawMessage) (json.RawMessage, error) {
	conn, err := c.connFor(ctx, server)
	if err != nil {
		return nil, err
	}

	var inputMap map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &inputMap); err != nil {
			return nil, fmt.Errorf("mcp: input for %q is not a JSON object: %w", tool, err)
		}
	}
	inputStruct, err := structpb.NewStruct(inputMap)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode input for %q: %w", tool, err)
	}

	req, err := structpb.NewStruct(map[string]any{
		"tool":  tool,
		"input": inputStruct.AsMap(),
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: encode request for %q: %w", tool, err)
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, callToolMethod, req, resp); err != nil {
		return nil, fmt.Errorf("mcp: CallTool %q on %q: %w", tool, server, err)
	}

	if errVal, ok := resp.Fields["error"]; ok && errVal.GetStringValue() != "" {
		return nil, fmt.Errorf("mcp: %s", errVal.GetStringValue())
	}
	output, ok := resp.Fields["output"]
	if !ok {
		return []byte("null"), nil
	}
	encoded, err := json.Marshal(output.AsInterface())
	if err != nil {
		return nil, fmt.Errorf("mcp: decode output for %q: %w", tool, err)
	}
	return encoded, nil
}

// Close shuts down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for server, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp: close connection to %q: %w", server, err)
		}
	}
	c.conns = make(map[string]*grpc.ClientConn)
	return firstErr
}
