package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/harunnryd/toolcall/pkg/history"
	"github.com/harunnryd/toolcall/pkg/llm"
)

const declinedOutput = "Function call was declined by the user."

// REPL is an interactive terminal chat. Tool calls are confirmed by the user
// unless NoConfirm is set, then executed one at a time.
type REPL struct {
	Session *Session
	History *history.Manager
	In      io.Reader
	Out     io.Writer
	// NoConfirm executes tool calls without asking.
	NoConfirm bool
	// Render formats assistant text before printing, e.g. as markdown.
	Render  func(string) string
	Options SendOptions
}

var errInputClosed = errors.New("input closed")

func (r *REPL) Run(ctx context.Context) error {
	if r.Session == nil || r.History == nil {
		return errors.New("repl: session and history are required")
	}
	in := bufio.NewScanner(r.In)
	in.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	r.printf("Starting chat session. Type 'exit' to exit.\n")
	for {
		if err := ctx.Err(); err != nil {
			r.printf("Ending chat session.\n")
			return err
		}
		r.printf("User:\n    ")
		if !in.Scan() {
			r.printf("\nEnding chat session.\n")
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		if strings.EqualFold(line, "exit") {
			r.printf("Ending chat session.\n")
			return nil
		}
		if line == "" {
			continue
		}

		err := r.turn(ctx, in, line)
		switch {
		case errors.Is(err, errInputClosed):
			r.printf("\nEnding chat session.\n")
			return nil
		case errors.Is(err, context.Canceled):
			r.printf("Ending chat session.\n")
			return err
		case err != nil:
			r.printf("Error: %v\n", err)
		}
	}
}

// turn sends one user line and works through any tool calls the model makes.
func (r *REPL) turn(ctx context.Context, in *bufio.Scanner, line string) error {
	if err := r.History.Add(ctx, llm.UserMessage(line)); err != nil {
		return err
	}
	resp, err := r.send(ctx)
	if err != nil {
		return err
	}

	for resp.HasToolCalls() {
		calls := resp.ToolCalls()
		for i, call := range calls {
			r.printf("Calling function: %s\n", call.Name)
			r.printf("Arguments: %s\n", call.Arguments)

			ok, err := r.confirm(in)
			if err != nil {
				return err
			}
			if !ok {
				r.printf("Function call skipped.\n")
				for _, rest := range calls[i:] {
					if err := r.History.Add(ctx, ToolResultMessage(rest, declinedOutput)); err != nil {
						return err
					}
				}
				return nil
			}

			msg, err := r.Session.HandleToolCall(ctx, call)
			if err != nil {
				r.printf("Function call failed: %v\n", err)
				msg = ToolResultMessage(call, "error: "+err.Error())
			}
			if err := r.History.Add(ctx, msg); err != nil {
				return err
			}
		}
		if resp, err = r.send(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *REPL) send(ctx context.Context) (llm.Response, error) {
	opts := r.Options
	manual := false
	opts.AutoHandle = &manual
	result, err := r.Session.Send(ctx, r.History.Messages(), opts)
	if err != nil {
		return llm.Response{}, err
	}
	resp := result.Response
	if err := r.History.Add(ctx, resp.Message); err != nil {
		return llm.Response{}, err
	}
	if text := strings.TrimSpace(resp.Text()); text != "" {
		if r.Render != nil {
			text = strings.TrimSpace(r.Render(text))
		}
		r.printf("Assistant:\n    %s\n", text)
	}
	return resp, nil
}

// confirm asks until the answer is y, n or empty (which means yes).
func (r *REPL) confirm(in *bufio.Scanner) (bool, error) {
	if r.NoConfirm {
		return true, nil
	}
	for {
		r.printf("Confirm function call? [Y/n]: ")
		if !in.Scan() {
			if err := in.Err(); err != nil {
				return false, err
			}
			return false, errInputClosed
		}
		switch strings.ToLower(strings.TrimSpace(in.Text())) {
		case "y", "":
			return true, nil
		case "n":
			return false, nil
		}
	}
}

func (r *REPL) printf(format string, args ...any) {
	if r.Out == nil {
		return
	}
	fmt.Fprintf(r.Out, format, args...)
}
