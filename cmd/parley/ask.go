package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/checkpoint"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/llm"
)

// askOptions are the arguments of "parley ask".
type askOptions struct {
	model    string
	threadID string
	stream   bool
	question string
}

func parseAskArgs(args []string) (askOptions, error) {
	var opts askOptions
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-model" && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case args[i] == "-thread" && i+1 < len(args):
			opts.threadID = args[i+1]
			i++
		case args[i] == "-stream":
			opts.stream = true
		default:
			words = append(words, args[i])
		}
	}
	opts.question = strings.TrimSpace(strings.Join(words, " "))
	if opts.question == "" {
		return opts, fmt.Errorf("usage: parley ask [-model <key>] [-thread <id>] [-stream] <question>")
	}
	return opts, nil
}

// runAsk handles "parley ask": one turn, answer on stdout. Without
// -thread the turn runs on an in-memory store and nothing is kept;
// -thread continues (or starts) a stored thread. Logs go to stderr at
// warn level so the answer stays pipeable.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	opts, err := parseAskArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if opts.threadID == "" {
		cfg.Storage.Engine = checkpoint.EngineMemory
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	if level == slog.LevelInfo {
		level = slog.LevelWarn
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	req := &agent.Request{ThreadID: opts.threadID, Input: opts.question, Model: opts.model}

	var resp *agent.Response
	if opts.stream {
		resp, err = a.loop.ExecuteStream(ctx, req, func(ev llm.StreamEvent) {
			switch ev.Kind {
			case llm.KindToken:
				fmt.Fprint(stdout, ev.Token)
			case llm.KindToolCallStart:
				fmt.Fprintf(stderr, "[tool %s]\n", ev.ToolCall.Name)
			}
		})
		if err == nil {
			fmt.Fprintln(stdout)
		}
	} else {
		resp, err = a.loop.Execute(ctx, req)
		if err == nil {
			fmt.Fprintln(stdout, resp.Text)
		}
	}
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.threadID != "" {
		fmt.Fprintf(stderr, "thread: %s (%d iterations, model %s)\n", resp.ThreadID, resp.Iterations, resp.Model)
	}
	return nil
}
