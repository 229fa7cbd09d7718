// internal/shell/ssh.go
package shell

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Runner executes a command on a storage-controller node
type Runner interface {
	Run(ctx context.Context, cmd string) (stdout, stderr string, err error)
}

// Client is an SSH session to one controller VM, held for the duration of the
// run and released in Close.
type Client struct {
	addr   string
	client *ssh.Client
	logger *zap.Logger
}

var _ Runner = (*Client)(nil)

// Dial opens a password-authenticated SSH connection to a controller VM.
// Controller VMs sit on cluster-internal addresses with generated host keys,
// so host-key checking is skipped.
func Dial(addr, user, password string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	cfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(string, string, []string, []bool) ([]string, error) {
				return []string{password}, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	c, err := ssh.Dial("tcp", net.JoinHostPort(addr, "22"), cfg)
	if err != nil {
		return nil, fmt.Errorf("shell: dial %s: %w", addr, err)
	}

	logger.Info("opened controller shell", zap.String("addr", addr))
	return &Client{addr: addr, client: c, logger: logger}, nil
}

// Run executes cmd and returns its output. The command is killed when the
// context is cancelled.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("shell: open session on %s: %w", c.addr, err)
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	c.logger.Debug("running remote command",
		zap.String("addr", c.addr),
		zap.String("cmd", cmd))

	if err := sess.Start(cmd); err != nil {
		return "", "", fmt.Errorf("shell: start %q on %s: %w", cmd, c.addr, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), fmt.Errorf("shell: %q on %s: %w", cmd, c.addr, ctx.Err())
	case err := <-done:
		if err != nil {
			return stdout.String(), stderr.String(),
				fmt.Errorf("shell: %q on %s: %w (stderr: %s)", cmd, c.addr, err, stderr.String())
		}
		return stdout.String(), stderr.String(), nil
	}
}

// Close tears down the SSH connection
func (c *Client) Close() error {
	return c.client.Close()
}
