// Package borg drives the borg archiver: argv construction, output parsing
// and failure classification.
package borg

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Location addresses a repository. An empty Host means a local path.
type Location struct {
	User string
	Host string
	Port int
	Path string
}

// String renders the repository URL borg expects.
func (l Location) String() string {
	if l.Host == "" {
		return l.Path
	}
	path := l.Path
	if !strings.HasPrefix(path, "/") {
		path = "/./" + path
	}
	port := l.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("ssh://%s@%s:%d%s", l.User, l.Host, port, path)
}

// Archive renders repo::name.
func (l Location) Archive(name string) string {
	return l.String() + "::" + name
}

// ArchiveName returns a unique, time-sortable archive name for a backup type.
func ArchiveName(backupType string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", backupType, now.UTC().Format("2006-01-02T15-04-05"), uuid.New().String()[:8])
}
