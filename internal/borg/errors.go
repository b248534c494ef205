package borg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edvin/backupd/internal/process"
)

type ErrorKind string

const (
	KindGeneric    ErrorKind = "generic"
	KindPermission ErrorKind = "permission"
	KindLock       ErrorKind = "lock"
)

// ToolError is a non-zero exit from borg, classified for remediation.
type ToolError struct {
	Op       string
	Kind     ErrorKind
	ExitCode int
	Stderr   string
	// RepoPath is the repository's filesystem path on the backup host.
	RepoPath string
	// Owner is the account that must own RepoPath.
	Owner string
	Repo  Location
	Err   error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindPermission:
		fmt.Fprintf(&b, "borg %s failed: permission denied on repository %s", e.Op, e.RepoPath)
	case KindLock:
		fmt.Fprintf(&b, "borg %s failed: repository %s is locked", e.Op, e.RepoPath)
	default:
		fmt.Fprintf(&b, "borg %s failed with exit code %d", e.Op, e.ExitCode)
		if s := strings.TrimSpace(e.Stderr); s != "" {
			fmt.Fprintf(&b, ": %s", tail(s, 10))
		}
	}
	if r := e.Remediation(); r != "" {
		b.WriteString("\n")
		b.WriteString(r)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error { return e.Err }

// Remediation returns numbered operator steps for permission and lock
// failures, and an empty string otherwise.
func (e *ToolError) Remediation() string {
	path := process.Quote(e.RepoPath)
	switch e.Kind {
	case KindPermission:
		owner := e.Owner
		if owner == "" {
			owner = "borg"
		}
		return fmt.Sprintf("To fix, run on the backup host:\n"+
			"  1. chown -R %s:%s %s\n"+
			"  2. chmod -R u+rwX,go-rwx %s\n"+
			"  3. retry the backup", owner, owner, path, path)
	case KindLock:
		return fmt.Sprintf("To fix, run on the backup host:\n"+
			"  1. make sure no borg process is still using %s\n"+
			"  2. borg break-lock %s\n"+
			"  3. retry the backup", path, path)
	}
	return ""
}

const exitWarning = 1

var (
	permissionMarkers = []string{"permission denied", "permissionerror", "[errno 13]", "operation not permitted"}
	lockMarkers       = []string{"failed to create/acquire the lock", "lock.exclusive", "locktimeout", "lockerror", "is locked"}
)

// Classify turns a failed borg run into a *ToolError. Exit code 1 is a borg
// warning and yields nil unless stderr reports a permission failure. Errors
// that are not process exits (timeouts, spawn failures) are returned wrapped
// but unclassified. Permission markers win over lock markers: borg reports an
// unwritable repository as a failure to acquire its lock.
func Classify(op string, repo Location, owner string, res *process.Result, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *process.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("borg %s: %w", op, err)
	}
	stderr := exitErr.Stderr
	if res != nil && len(res.Stderr) > 0 {
		stderr = string(res.Stderr)
	}
	lower := strings.ToLower(stderr)
	denied := containsAny(lower, permissionMarkers)
	if exitErr.ExitCode == exitWarning && !denied {
		return nil
	}
	te := &ToolError{
		Op:       op,
		Kind:     KindGeneric,
		ExitCode: exitErr.ExitCode,
		Stderr:   stderr,
		RepoPath: repo.Path,
		Owner:    owner,
		Repo:     repo,
		Err:      err,
	}
	switch {
	case denied:
		te.Kind = KindPermission
	case containsAny(lower, lockMarkers):
		te.Kind = KindLock
	}
	return te
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
