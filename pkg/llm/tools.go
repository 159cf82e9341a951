package llm

import "context"

// ToolRegistry executes tool calls requested by a model.
type ToolRegistry interface {
	Tools() []Tool
	HandleTool(ctx context.Context, name, arguments string) (string, error)
}
