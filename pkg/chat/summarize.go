package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/toolcall/pkg/llm"
)

const summaryPrompt = "Summarize the conversation below in a few sentences. Keep names, numbers and decisions. Reply with the summary only."

// Summarize asks the model for a short summary of messages. No tools are
// offered. It lets a Session serve as a history summarizer.
func (s *Session) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	input := llm.Context{
		Model: s.model,
		Messages: []llm.Message{
			llm.SystemMessage(summaryPrompt),
			llm.UserMessage(Transcript(messages)),
		},
		Options: s.defaults,
	}
	input.Options.ToolChoice = ""
	resp, err := s.generate(ctx, input)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("summarize: model returned no text")
	}
	return text, nil
}

// Transcript renders messages as "role: content" lines.
func Transcript(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, call := range m.ToolCalls {
				names = append(names, fmt.Sprintf("%s(%s)", call.Name, call.Arguments))
			}
			content = "requested " + strings.Join(names, ", ")
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return strings.TrimRight(b.String(), "\n")
}
