package mech

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nxadm/tail"
)

// Base64Prefix marks a command line whose remainder is base64 encoded,
// for thoughts that span several lines.
const Base64Prefix = "BASE64:"

// FollowOptions tune FollowCommands.
type FollowOptions struct {
	// FromStart replays lines already in the file. By default only lines
	// written after the call are read.
	FromStart bool

	// Delayer, when set, has its current pause interrupted by each thought.
	Delayer *Delayer

	Logger *slog.Logger
}

// FollowCommands tails the command file at path and injects every
// non-empty line into state as a thought. The file need not exist yet. It
// returns when ctx ends.
func FollowCommands(ctx context.Context, path string, state *State, opts FollowOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := tail.Config{
		Follow: true,
		ReOpen: true,
		Poll:   true,
		Logger: tail.DiscardingLogger,
	}
	if !opts.FromStart {
		cfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}
	t, err := tail.TailFile(path, cfg)
	if err != nil {
		return fmt.Errorf("follow commands %s: %w", path, err)
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				logger.Warn("command file read failed", "path", path, "error", line.Err)
				continue
			}
			thought, err := decodeCommand(line.Text)
			if err != nil {
				logger.Warn("invalid command line", "path", path, "error", err)
				continue
			}
			if thought == "" {
				continue
			}
			state.InjectThought(thought)
			logger.Info("thought injected", "source", path, "length", len(thought))
			if opts.Delayer != nil {
				opts.Delayer.Interrupt()
			}
		}
	}
}

func decodeCommand(line string) (string, error) {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, Base64Prefix); ok {
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return "", fmt.Errorf("decode base64 command: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return line, nil
}
