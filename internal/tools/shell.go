package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ShellConfig configures the shell tool.
type ShellConfig struct {
	// Dir is the working directory. Empty means the process directory.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// MaxOutput caps the captured output in bytes. Zero means 64 KiB.
	MaxOutput int `json:"max_output,omitempty" yaml:"max_output,omitempty"`
}

type shellArgs struct {
	Command string `json:"command" jsonschema:"description=POSIX shell command line to run"`
	Dir     string `json:"dir,omitempty" jsonschema:"description=Working directory override"`
}

// Shell returns the run_shell tool. Commands are interpreted in-process
// and stop when ctx is cancelled, which makes the tool suitable for
// background execution with an abort signal.
func Shell(cfg ShellConfig) Tool {
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 << 10
	}
	return NewTyped("run_shell", "Run a shell command and return its combined output.",
		func(ctx context.Context, args shellArgs) (any, error) {
			dir := cfg.Dir
			if args.Dir != "" {
				dir = args.Dir
			}
			return RunShell(ctx, args.Command, dir, cfg.MaxOutput)
		})
}

// RunShell interprets command and returns combined stdout and stderr.
func RunShell(ctx context.Context, command, dir string, maxOutput int) (string, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return "", fmt.Errorf("parse command: %w", err)
	}

	out := &cappedBuffer{limit: maxOutput}
	opts := []interp.RunnerOption{interp.StdIO(nil, out, out)}
	if dir != "" {
		opts = append(opts, interp.Dir(dir))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return "", err
	}

	err = runner.Run(ctx, file)
	text := out.String()
	if err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return text, fmt.Errorf("exit status %d: %s", status, strings.TrimSpace(text))
		}
		return text, err
	}
	return text, nil
}

// cappedBuffer is a concurrency-safe writer that keeps the first limit
// bytes. Pipelines write from several goroutines.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - c.buf.Len(); room < len(p) {
		if room > 0 {
			c.buf.Write(p[:room])
		}
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}
