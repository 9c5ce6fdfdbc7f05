package tools

import (
	"context"
	"encoding/json"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/chibi-run/chibi/internal/errs"
)

// MCPServer describes one long-lived MCP child process to bridge tools
// from.
type MCPServer struct {
	Name    string
	Command string
	Args    []string
	Env     []string
}

// ConnectMCPServers starts each configured MCP server, lists its tools
// via list_tools, and registers one Tool per remote tool, qualified by
// its server name.
func ConnectMCPServers(ctx context.Context, r *Registry, servers []MCPServer) error {
	for _, srv := range servers {
		c, err := mcpclient.NewStdioMCPClient(srv.Command, srv.Env, srv.Args...)
		if err != nil {
			return errs.Wrap(errs.Io, "tools.ConnectMCPServers", "start "+srv.Name, err)
		}

		if _, err := c.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
			return errs.Wrap(errs.Protocol, "tools.ConnectMCPServers", "initialize "+srv.Name, err)
		}

		listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return errs.Wrap(errs.Protocol, "tools.ConnectMCPServers", "list_tools "+srv.Name, err)
		}

		client := c
		serverName := srv.Name
		for _, remote := range listed.Tools {
			remoteName := remote.Name
			schema, err := json.Marshal(remote.InputSchema)
			if err != nil {
				continue
			}
			r.Add(&Tool{
				Name:        serverName + "." + remoteName,
				Description: remote.Description,
				Parameters:  schema,
				Origin:      OriginMCP,
				Server:      serverName,
				Invoke: func(ctx context.Context, arguments string) (Result, error) {
					var args map[string]any
					if len(arguments) > 0 {
						if err := json.Unmarshal([]byte(arguments), &args); err != nil {
							return Result{}, errs.Wrap(errs.InvalidInput, "tools.mcp", "decode arguments", err)
						}
					}
					req := mcp.CallToolRequest{}
					req.Params.Name = remoteName
					req.Params.Arguments = args
					res, err := client.CallTool(ctx, req)
					if err != nil {
						return Result{}, errs.Wrap(errs.Protocol, "tools.mcp", "call "+remoteName, err)
					}
					return Result{Text: mcpResultText(res)}, nil
				},
			})
		}
	}
	return nil
}

func mcpResultText(res *mcp.CallToolResult) string {
	var out string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
