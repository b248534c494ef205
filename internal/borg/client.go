package borg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/process"
)

// Client runs borg on the backup host against local repository paths.
type Client struct {
	runner  process.Runner
	binary  string
	owner   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient creates a client. owner is the account that owns repositories
// on the backup host and is named in permission remediation.
func NewClient(runner process.Runner, binary, owner string, timeout time.Duration, logger zerolog.Logger) *Client {
	if binary == "" {
		binary = "borg"
	}
	return &Client{
		runner:  runner,
		binary:  binary,
		owner:   owner,
		timeout: timeout,
		logger:  logger.With().Str("component", "borg").Logger(),
	}
}

func (c *Client) run(ctx context.Context, op string, repo Location, passphrase string, args []string) (*process.Result, error) {
	res, err := c.runner.Run(ctx, process.Command{
		Name: c.binary,
		Args: args,
		Env: map[string]string{
			"BORG_PASSPHRASE":                            passphrase,
			"BORG_RELOCATED_REPO_ACCESS_IS_OK":           "yes",
			"BORG_UNKNOWN_UNENCRYPTED_REPO_ACCESS_IS_OK": "no",
		},
		Timeout: c.timeout,
	})
	if err := Classify(op, repo, c.owner, res, err); err != nil {
		return res, err
	}
	if res != nil && res.ExitCode == exitWarning {
		c.logger.Warn().Str("op", op).Str("repo", repo.String()).Str("stderr", tail(strings.TrimSpace(string(res.Stderr)), 5)).Msg("borg finished with warnings")
	}
	return res, nil
}

func (c *Client) Init(ctx context.Context, repo Location, passphrase string) error {
	_, err := c.run(ctx, "init", repo, passphrase, InitArgs(repo, ""))
	return err
}

// ArchiveInfo fetches info --json for one archive.
func (c *Client) ArchiveInfo(ctx context.Context, repo Location, passphrase, name string) (*ArchiveInfo, error) {
	res, err := c.run(ctx, "info", repo, passphrase, InfoArgs(repo, name))
	if err != nil {
		return nil, err
	}
	return ParseArchive(res.Stdout)
}

// RepositoryStats fetches the repository-wide size summary.
func (c *Client) RepositoryStats(ctx context.Context, repo Location, passphrase string) (*model.RepositoryStats, error) {
	res, err := c.run(ctx, "info", repo, passphrase, InfoArgs(repo, ""))
	if err != nil {
		return nil, err
	}
	return ParseRepositoryStats(res.Stdout)
}

func (c *Client) List(ctx context.Context, repo Location, passphrase string) ([]ListedArchive, error) {
	res, err := c.run(ctx, "list", repo, passphrase, ListArgs(repo))
	if err != nil {
		return nil, err
	}
	return ParseList(res.Stdout)
}

// Prune applies the retention policy and returns the archives borg removed.
// The raw report is returned alongside for logging.
func (c *Client) Prune(ctx context.Context, repo Location, passphrase string, r model.Retention) ([]PrunedArchive, string, error) {
	res, err := c.run(ctx, "prune", repo, passphrase, PruneArgs(repo, r))
	var output string
	if res != nil {
		// prune --list reports on stderr.
		output = string(res.Stderr) + string(res.Stdout)
	}
	if err != nil {
		return nil, output, err
	}
	return ParsePruneOutput(output), output, nil
}

func (c *Client) Delete(ctx context.Context, repo Location, passphrase, name string) error {
	_, err := c.run(ctx, "delete", repo, passphrase, DeleteArgs(repo, name))
	return err
}

func (c *Client) Mount(ctx context.Context, repo Location, passphrase, name, mountpoint string) error {
	_, err := c.run(ctx, "mount", repo, passphrase, MountArgs(repo, name, mountpoint))
	return err
}

func (c *Client) Umount(ctx context.Context, mountpoint string) error {
	_, err := c.run(ctx, "umount", Location{Path: mountpoint}, "", UmountArgs(mountpoint))
	return err
}

// Extract restores paths from an archive into dir.
func (c *Client) Extract(ctx context.Context, repo Location, passphrase, name, dir string, paths []string) (string, error) {
	res, err := c.runner.Run(ctx, process.Command{
		Name:    c.binary,
		Args:    ExtractArgs(repo, name, paths),
		Env:     map[string]string{"BORG_PASSPHRASE": passphrase},
		Dir:     dir,
		Timeout: c.timeout,
	})
	if err := Classify("extract", repo, c.owner, res, err); err != nil {
		return "", err
	}
	return string(res.Stderr), nil
}

func (c *Client) BreakLock(ctx context.Context, repo Location, passphrase string) error {
	_, err := c.run(ctx, "break-lock", repo, passphrase, BreakLockArgs(repo))
	if err != nil {
		return fmt.Errorf("break lock: %w", err)
	}
	return nil
}
