// Package remote runs commands on managed servers over SSH.
package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/process"
)

// Host is an SSH endpoint.
type Host struct {
	Address string
	Port    int
	User    string
}

// ServerHost returns the SSH endpoint of a managed server.
func ServerHost(s *model.Server) Host {
	return Host{Address: s.Hostname, Port: s.SSHPort, User: s.SSHUser}
}

func (h Host) String() string {
	return fmt.Sprintf("%s@%s:%d", h.User, h.Address, h.port())
}

func (h Host) port() int {
	if h.Port == 0 {
		return 22
	}
	return h.Port
}

// Options returns the hardened ssh client options used for every connection.
func Options(keyPath string) []string {
	return []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "ConnectTimeout=10",
		"-o", "LogLevel=ERROR",
		"-i", keyPath,
	}
}

// RSHCommand renders an ssh invocation suitable for BORG_RSH.
func RSHCommand(keyPath string) string {
	return "ssh " + strings.Join(Options(keyPath), " ")
}

type Client struct {
	runner  process.Runner
	keyPath string
	timeout time.Duration
	prober  *Prober
	user    string
	logger  zerolog.Logger
}

// NewClient creates a client that authenticates with the key at keyPath.
// timeout bounds every call that does not carry its own.
func NewClient(runner process.Runner, keyPath string, timeout time.Duration, prober *Prober, logger zerolog.Logger) *Client {
	return &Client{
		runner:  runner,
		keyPath: keyPath,
		timeout: timeout,
		prober:  prober,
		logger:  logger.With().Str("component", "remote").Logger(),
	}
}

// WithDefaultUser sets the login used for hosts that carry none.
func (c *Client) WithDefaultUser(user string) *Client {
	c.user = user
	return c
}

func (c *Client) resolve(host Host) Host {
	if host.User == "" {
		host.User = c.user
	}
	return host
}

func (c *Client) args(host Host, command string) []string {
	args := Options(c.keyPath)
	args = append(args, "-p", strconv.Itoa(host.port()), host.User+"@"+host.Address)
	if command != "" {
		args = append(args, command)
	}
	return args
}

// Run executes a shell command line on host. Callers are responsible for
// quoting interpolated values with process.Quote.
func (c *Client) Run(ctx context.Context, host Host, command string) (*process.Result, error) {
	host = c.resolve(host)
	res, err := c.runner.Run(ctx, process.Command{
		Name:    "ssh",
		Args:    c.args(host, command),
		Timeout: c.timeout,
	})
	if err != nil {
		return res, fmt.Errorf("ssh %s: %w", host, err)
	}
	return res, nil
}

// RunScript delivers script on stdin to a remote bash. Nothing in script
// appears in the local or remote process list.
func (c *Client) RunScript(ctx context.Context, host Host, script string, timeout time.Duration) (*process.Result, error) {
	host = c.resolve(host)
	if timeout == 0 {
		timeout = c.timeout
	}
	res, err := c.runner.Run(ctx, process.Command{
		Name:    "ssh",
		Args:    c.args(host, "bash -s"),
		Stdin:   strings.NewReader("set -euo pipefail\n" + script),
		Timeout: timeout,
	})
	if err != nil {
		return res, fmt.Errorf("ssh %s: %w", host, err)
	}
	return res, nil
}

// Check verifies that host accepts our key.
func (c *Client) Check(ctx context.Context, host Host) error {
	host = c.resolve(host)
	if c.prober == nil {
		_, err := c.Run(ctx, host, "true")
		return err
	}
	return c.prober.Probe(ctx, host)
}
