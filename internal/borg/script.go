package borg

import (
	"strings"

	"github.com/edvin/backupd/internal/process"
)

// RemoteCreate describes a create run executed on the source server,
// pushing to a repository on the backup host.
type RemoteCreate struct {
	Binary     string
	Passphrase string
	// RSH is the ssh command borg uses to reach the backup host.
	RSH     string
	Options CreateOptions
}

// Script renders the bash script sent on stdin. Secrets are exported into
// the remote environment and never appear in argv.
func (r RemoteCreate) Script() string {
	binary := r.Binary
	if binary == "" {
		binary = "borg"
	}
	var b strings.Builder
	b.WriteString("export BORG_PASSPHRASE=" + process.Quote(r.Passphrase) + "\n")
	b.WriteString("export BORG_RSH=" + process.Quote(r.RSH) + "\n")
	b.WriteString("export BORG_RELOCATED_REPO_ACCESS_IS_OK=yes\n")
	b.WriteString(process.Quote(binary) + " " + process.QuoteAll(CreateArgs(r.Options)...) + "\n")
	return b.String()
}
