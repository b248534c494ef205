package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edvin/backupd/internal/borg"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/store"
)

// archiveEnv resolves a repository and a borg client for commands that run
// on the backup host.
func archiveEnv(cmd *cobra.Command, repositoryID string) (*env, *model.Repository, *borg.Client, error) {
	e, err := connect(cmd.Context(), false)
	if err != nil {
		return nil, nil, nil, err
	}
	repo, err := store.NewRepositoryStore(e.pool).Get(cmd.Context(), repositoryID)
	if err != nil {
		e.Close()
		return nil, nil, nil, err
	}
	client := borg.NewClient(process.NewExecutor(e.logger), e.cfg.BorgBinary, e.cfg.BackupHostUser, 0, e.logger)
	return e, repo, client, nil
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Browse and restore archives on the backup host",
}

var archiveMountCmd = &cobra.Command{
	Use:   "mount <repository-id> <archive-name> <mountpoint>",
	Short: "Mount an archive read-only with FUSE",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, repo, client, err := archiveEnv(cmd, args[0])
		if err != nil {
			return err
		}
		defer e.Close()

		if err := client.Mount(cmd.Context(), borg.Location{Path: repo.Path}, repo.Passphrase, args[1], args[2]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "archive %s mounted at %s\n", args[1], args[2])
		return nil
	},
}

var archiveUmountCmd = &cobra.Command{
	Use:   "umount <mountpoint>",
	Short: "Unmount a previously mounted archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		client := borg.NewClient(process.NewExecutor(e.logger), e.cfg.BorgBinary, e.cfg.BackupHostUser, time.Minute, e.logger)
		return client.Umount(cmd.Context(), args[0])
	},
}

var extractTarget string

var archiveExtractCmd = &cobra.Command{
	Use:   "extract <repository-id> <archive-name> [path...]",
	Short: "Restore paths from an archive into a directory",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, repo, client, err := archiveEnv(cmd, args[0])
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := client.Extract(cmd.Context(), borg.Location{Path: repo.Path}, repo.Passphrase, args[1], extractTarget, args[2:])
		if err != nil {
			return err
		}
		if out != "" {
			fmt.Fprint(cmd.ErrOrStderr(), out)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "archive %s extracted into %s\n", args[1], extractTarget)
		return nil
	},
}

type prunePlanView struct {
	Retention model.Retention `yaml:"retention"`
	Keep      []prunePlanItem `yaml:"keep"`
	Prune     []prunePlanItem `yaml:"prune"`
}

type prunePlanItem struct {
	Name  string    `yaml:"name"`
	Start time.Time `yaml:"start"`
	Rule  string    `yaml:"rule,omitempty"`
}

var prunePlanCmd = &cobra.Command{
	Use:   "prune-plan <repository-id>",
	Short: "Show which archives the repository's retention would keep",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, repo, client, err := archiveEnv(cmd, args[0])
		if err != nil {
			return err
		}
		defer e.Close()

		archives, err := client.List(cmd.Context(), borg.Location{Path: repo.Path}, repo.Passphrase)
		if err != nil {
			return err
		}
		return printYAML(cmd.OutOrStdout(), newPrunePlanView(repo.Retention(), borg.PlanPrune(archives, repo.Retention())))
	},
}

func newPrunePlanView(r model.Retention, plan borg.PrunePlan) prunePlanView {
	view := prunePlanView{Retention: r, Keep: []prunePlanItem{}, Prune: []prunePlanItem{}}
	for _, a := range plan.Keep {
		reason := plan.Reason[a.ID]
		view.Keep = append(view.Keep, prunePlanItem{
			Name:  a.Name,
			Start: a.Start.Time,
			Rule:  fmt.Sprintf("%s #%d", reason.Rule, reason.Index),
		})
	}
	for _, a := range plan.Prune {
		view.Prune = append(view.Prune, prunePlanItem{Name: a.Name, Start: a.Start.Time})
	}
	return view
}

func init() {
	archiveExtractCmd.Flags().StringVar(&extractTarget, "target", ".", "directory to extract into")

	archiveCmd.AddCommand(archiveMountCmd, archiveUmountCmd, archiveExtractCmd)
	rootCmd.AddCommand(archiveCmd, prunePlanCmd)
}
