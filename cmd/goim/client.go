package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chronologos/goim/internal/client"
	"github.com/chronologos/goim/internal/protocol"
)

const logoutWait = 2 * time.Second

func runClient(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Client.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	out := &syncWriter{w: cmd.OutOrStdout()}
	c, err := client.New(client.Config{
		URL:            cfg.Client.URL,
		User:           cfg.Client.User,
		LoginTimeout:   cfg.Client.LoginTimeout,
		RequestTimeout: cfg.Client.RequestTimeout,
	},
		client.WithLogger(logger),
		client.WithNotificationHandler(func(m *protocol.Message) {
			fmt.Fprintf(out, "%s: %s\n", m.From, m.Message)
		}),
	)
	if err != nil {
		return errors.Wrap(err, "new client failed")
	}

	outcome, err := c.Login(cmd.Context())
	if outcome != client.OutcomeSuccess {
		return errors.Wrapf(err, "login %s", outcome)
	}
	defer logout(c)

	prompt := term.IsTerminal(int(os.Stdin.Fd()))
	return chat(cmd.Context(), c, cmd.InOrStdin(), out, prompt)
}

// chat sends each input line as a request and prints the response. It
// returns on EOF, "/quit", ctx done, or when the connection closes.
func chat(ctx context.Context, c *client.Client, in io.Reader, out io.Writer, prompt bool) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	closed := c.Closed()
	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return errors.New("connection closed by peer")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" {
				return nil
			}
			resp := c.Request(ctx, c.NewMessage(line))
			if !resp.Success {
				fmt.Fprintf(out, "request failed: %v\n", resp.Err)
				continue
			}
			fmt.Fprintf(out, "< %s\n", resp.Message.Message)
		}
	}
}

// logout closes the connection and waits briefly for the close to land.
func logout(c *client.Client) {
	closed := c.Closed()
	c.Logout()
	select {
	case <-closed:
	case <-time.After(logoutWait):
		logger.Warn("logout did not complete in time")
	}
}

// syncWriter serializes writes from the read loop and the prompt loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
