package borg

import (
	"strconv"

	"github.com/edvin/backupd/internal/model"
)

type CreateOptions struct {
	Repo        Location
	Name        string
	Compression string
	Excludes    []string
	Paths       []string
}

func CreateArgs(o CreateOptions) []string {
	args := []string{"create", "--json", "--stats"}
	if o.Compression != "" {
		args = append(args, "--compression", o.Compression)
	}
	for _, ex := range o.Excludes {
		args = append(args, "--exclude", ex)
	}
	args = append(args, o.Repo.Archive(o.Name))
	return append(args, o.Paths...)
}

func InitArgs(repo Location, encryption string) []string {
	if encryption == "" {
		encryption = "repokey-blake2"
	}
	return []string{"init", "--encryption=" + encryption, repo.String()}
}

// InfoArgs describes one archive, or the whole repository when name is empty.
func InfoArgs(repo Location, name string) []string {
	if name == "" {
		return []string{"info", "--json", repo.String()}
	}
	return []string{"info", "--json", repo.Archive(name)}
}

func ListArgs(repo Location) []string {
	return []string{"list", "--json", repo.String()}
}

// PruneArgs renders the retention flags. keep-yearly is only passed when
// positive and negative counts are clamped to zero.
func PruneArgs(repo Location, r model.Retention) []string {
	args := []string{"prune", "--list", "--stats",
		"--keep-daily", strconv.Itoa(max(r.Daily, 0)),
		"--keep-weekly", strconv.Itoa(max(r.Weekly, 0)),
		"--keep-monthly", strconv.Itoa(max(r.Monthly, 0)),
	}
	if r.Yearly > 0 {
		args = append(args, "--keep-yearly", strconv.Itoa(r.Yearly))
	}
	return append(args, repo.String())
}

func DeleteArgs(repo Location, name string) []string {
	return []string{"delete", "--stats", repo.Archive(name)}
}

func MountArgs(repo Location, name, mountpoint string) []string {
	target := repo.String()
	if name != "" {
		target = repo.Archive(name)
	}
	return []string{"mount", "-o", "allow_other", target, mountpoint}
}

func UmountArgs(mountpoint string) []string {
	return []string{"umount", mountpoint}
}

func ExtractArgs(repo Location, name string, paths []string) []string {
	args := []string{"extract", "--list", repo.Archive(name)}
	return append(args, paths...)
}

func BreakLockArgs(repo Location) []string {
	return []string{"break-lock", repo.String()}
}
