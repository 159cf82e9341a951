package history

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/harunnryd/toolcall/pkg/llm"
)

// Counter counts the tokens of a piece of text.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts cl100k_base tokens using the embedded BPE ranks, so no
// network access is needed.
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func NewTiktokenCounter() (*TiktokenCounter, error) {
	c := &TiktokenCounter{}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *TiktokenCounter) load() error {
	c.once.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		c.enc, c.err = tiktoken.GetEncoding("cl100k_base")
	})
	return c.err
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.load() != nil {
		return WordCounter{}.Count(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// WordCounter estimates tokens as runs of lowercase letters and digits.
type WordCounter struct{}

func (WordCounter) Count(text string) int {
	return len(strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if r >= 'a' && r <= 'z' {
			return false
		}
		if r >= '0' && r <= '9' {
			return false
		}
		return true
	}))
}

// NewCounter returns the counter named by the history.tokenizer setting.
// Unknown names and tiktoken load failures fall back to WordCounter.
func NewCounter(name string) Counter {
	if strings.EqualFold(strings.TrimSpace(name), "words") {
		return WordCounter{}
	}
	c, err := NewTiktokenCounter()
	if err != nil {
		return WordCounter{}
	}
	return c
}

func messageTokens(c Counter, m llm.Message) int {
	n := c.Count(m.Content)
	for _, call := range m.ToolCalls {
		n += c.Count(call.Name) + c.Count(call.Arguments)
	}
	return n
}
