package tools

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func TestMCPResultTextConcatenatesTextContent(t *testing.T) {
	res := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "hello "},
			mcp.TextContent{Type: "text", Text: "world"},
		},
	}
	assert.Equal(t, "hello world", mcpResultText(res))
}

func TestMCPResultTextIgnoresNonTextContent(t *testing.T) {
	res := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "kept"},
			mcp.ImageContent{Type: "image", Data: "base64", MIMEType: "image/png"},
		},
	}
	assert.Equal(t, "kept", mcpResultText(res))
}

func TestMCPResultTextEmptyContent(t *testing.T) {
	res := &mcp.CallToolResult{}
	assert.Equal(t, "", mcpResultText(res))
}
