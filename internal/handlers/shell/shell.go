package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"queuewatch/internal/domain"
	"queuewatch/internal/worker"
)

// Extra keys that override the command per queue.
const (
	CommandKey = "command"
	ArgsKey    = "args"
)

// Shell pipes each message body to a command on stdin. A non-zero exit
// leaves the message for redelivery.
type Shell struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (h Shell) Handle(ctx context.Context, rec *domain.WatchRecord, ev *worker.Event) error {
	command, args := h.Command, h.Args
	if c, ok := rec.Extra[CommandKey].(string); ok && c != "" {
		command, args = c, stringArgs(rec.Extra[ArgsKey])
	}
	if command == "" {
		return fmt.Errorf("command is required")
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	msg := ev.Message()
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = bytes.NewReader(msg.Body)
	cmd.Env = append(os.Environ(),
		"QUEUEWATCH_QUEUE="+rec.QueueName,
		"QUEUEWATCH_WATCH_ID="+rec.ID,
		"QUEUEWATCH_MESSAGE_ID="+msg.ID,
		fmt.Sprintf("QUEUEWATCH_RECEIVE_COUNT=%d", msg.ReceiveCount),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}

func stringArgs(v any) []string {
	switch a := v.(type) {
	case []string:
		return a
	case []any:
		out := make([]string, 0, len(a))
		for _, x := range a {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return nil
}
