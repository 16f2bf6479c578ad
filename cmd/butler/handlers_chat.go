package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/butler/internal/client"
	"github.com/haasonsaas/butler/internal/protocol"
)

type chatOptions struct {
	url    string
	token  string
	apiKey string
	system string
	clock  bool
}

// chatPrinter writes session changes to out as they stream.
type chatPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]int
}

func (p *chatPrinter) handle(ev client.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Type {
	case client.EventMessageContent:
		n := p.printed[ev.MessageID]
		if len(ev.Content) > n {
			fmt.Fprint(p.out, ev.Content[n:])
			p.printed[ev.MessageID] = len(ev.Content)
		}
	case client.EventCall:
		if ev.Call == nil || ev.Call.Running {
			return
		}
		where := "local"
		if ev.Call.Remote {
			where = "gateway"
		}
		var result []byte
		if ev.Call.Result != nil {
			result, _ = json.Marshal(ev.Call.Result.Content)
		}
		fn := ev.Call.Call.Function
		fmt.Fprintf(p.out, "\n[%s tool %s %s -> %s]\n", where, fn.Name, fn.Arguments, truncate(string(result), 200))
	case client.EventMessageRunning:
		if !ev.Running {
			fmt.Fprintln(p.out)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func newChatTools(clock bool) *client.ToolManager {
	tools := client.NewToolManager()
	if clock {
		tools.AddExecute(protocol.FunctionDefinition{
			Name:        "current_time",
			Description: "Returns the user's local date and time.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		}, func(context.Context, json.RawMessage) (any, error) {
			return time.Now().Format(time.RFC1123Z), nil
		})
	}
	return tools
}

// runChat reads prompts from in, one per line, and prints the streamed
// answers to out.
func runChat(ctx context.Context, in io.Reader, out io.Writer, opts chatOptions) error {
	c, err := client.New(client.Config{
		BaseURL: opts.url,
		Token:   opts.token,
		APIKey:  opts.apiKey,
		Logger:  slog.Default(),
	})
	if err != nil {
		return err
	}
	tools := newChatTools(opts.clock)
	printer := &chatPrinter{out: out, printed: make(map[string]int)}

	newSession := func() *client.Session {
		s := client.NewSession(c, tools)
		if opts.system != "" {
			s.AddSystemMessage(opts.system, true)
		}
		s.On(printer.handle)
		return s
	}
	session := newSession()

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/exit", "/quit":
			return nil
		case "/reset":
			session = newSession()
			fmt.Fprintln(out, "history cleared")
		default:
			if err := session.Send(ctx, line); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}
