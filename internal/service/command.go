package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
)

const (
	prompt = "Enter command (stop/restart/quit): "
	usage  = "Invalid command. Please use 'stop', 'restart', or 'quit'."
)

type Op int

const (
	OpInvalid Op = iota
	OpStop
	OpRestart
	OpQuit
)

func (o Op) String() string {
	switch o {
	case OpStop:
		return "stop"
	case OpRestart:
		return "restart"
	case OpQuit:
		return "quit"
	default:
		return "invalid"
	}
}

// Command is one operator request. Raw keeps the text as typed.
type Command struct {
	Op  Op
	Raw string
}

// ParseCommand maps a line of operator input to a Command. Matching is case
// insensitive and ignores surrounding whitespace.
func ParseCommand(line string) Command {
	raw := strings.TrimSpace(line)
	cmd := Command{Raw: raw}
	switch strings.ToLower(raw) {
	case "stop":
		cmd.Op = OpStop
	case "restart":
		cmd.Op = OpRestart
	case "quit":
		cmd.Op = OpQuit
	}
	return cmd
}

// ReadCommands reads operator commands line by line from r. Lines of any
// length are accepted. The end of input or a read error is reported as a quit
// command, then the channel is closed. The goroutine returns early when ctx
// is done.
func ReadCommands(ctx context.Context, r io.Reader) <-chan Command {
	ch := make(chan Command)
	go func() {
		defer close(ch)
		send := func(cmd Command) bool {
			select {
			case ch <- cmd:
				return true
			case <-ctx.Done():
				return false
			}
		}

		rd := bufio.NewReader(r)
		for {
			line, err := rd.ReadString('\n')
			if line != "" && !send(ParseCommand(line)) {
				return
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.WarnContext(ctx, "reading commands", "error", err)
				}
				send(Command{Op: OpQuit})
				return
			}
		}
	}()
	return ch
}
