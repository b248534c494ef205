package borg

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/edvin/backupd/internal/model"
)

// borg prints naive local timestamps with microseconds.
const timeLayout = "2006-01-02T15:04:05.999999"

// Time parses a borg timestamp. Values carry no zone and are read as UTC.
type Time struct{ time.Time }

func (t *Time) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		if parsed, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return fmt.Errorf("parse borg time %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

type ArchiveStats struct {
	OriginalSize     int64 `json:"original_size"`
	CompressedSize   int64 `json:"compressed_size"`
	DeduplicatedSize int64 `json:"deduplicated_size"`
	NFiles           int64 `json:"nfiles"`
}

type ArchiveInfo struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Start    Time         `json:"start"`
	End      Time         `json:"end"`
	Duration float64      `json:"duration"`
	Stats    ArchiveStats `json:"stats"`
}

// ToModel maps the tool's view of an archive onto a local row.
func (a ArchiveInfo) ToModel(id, repositoryID string) *model.Archive {
	return &model.Archive{
		ID:               id,
		RepositoryID:     repositoryID,
		ArchiveID:        a.ID,
		Name:             a.Name,
		StartedAt:        a.Start.Time,
		EndedAt:          a.End.Time,
		DurationSeconds:  a.Duration,
		NFiles:           a.Stats.NFiles,
		OriginalSize:     a.Stats.OriginalSize,
		CompressedSize:   a.Stats.CompressedSize,
		DeduplicatedSize: a.Stats.DeduplicatedSize,
	}
}

type cacheStats struct {
	TotalSize         int64 `json:"total_size"`
	TotalCSize        int64 `json:"total_csize"`
	UniqueCSize       int64 `json:"unique_csize"`
	TotalUniqueChunks int64 `json:"total_unique_chunks"`
}

type infoOutput struct {
	Archive  *ArchiveInfo  `json:"archive"`
	Archives []ArchiveInfo `json:"archives"`
	Cache    struct {
		Stats cacheStats `json:"stats"`
	} `json:"cache"`
}

// ParseArchive extracts the single archive from create --json or
// info --json repo::name output.
func ParseArchive(data []byte) (*ArchiveInfo, error) {
	var out infoOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode archive json: %w", err)
	}
	switch {
	case out.Archive != nil:
		return out.Archive, nil
	case len(out.Archives) > 0:
		return &out.Archives[0], nil
	}
	return nil, fmt.Errorf("decode archive json: no archive in output")
}

// ParseRepositoryStats reads the cache summary of info --json repo.
func ParseRepositoryStats(data []byte) (*model.RepositoryStats, error) {
	var out infoOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode repository json: %w", err)
	}
	s := out.Cache.Stats
	return &model.RepositoryStats{
		OriginalSize:     s.TotalSize,
		CompressedSize:   s.TotalCSize,
		DeduplicatedSize: s.UniqueCSize,
		UniqueChunks:     s.TotalUniqueChunks,
	}, nil
}

type ListedArchive struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Start Time   `json:"start"`
}

// ParseList reads list --json output.
func ParseList(data []byte) ([]ListedArchive, error) {
	var out struct {
		Archives []ListedArchive `json:"archives"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode list json: %w", err)
	}
	return out.Archives, nil
}

// PrunedArchive is one archive removed by prune.
type PrunedArchive struct {
	Name string
	ID   string
}

var pruneLine = regexp.MustCompile(`^(?:Pruning archive|Would prune)[^:]*:\s+(\S+)\s.*\[([0-9a-f]{8,})\]\s*$`)

// ParsePruneOutput finds the archives prune --list reported as removed.
func ParsePruneOutput(output string) []PrunedArchive {
	var pruned []PrunedArchive
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		m := pruneLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		pruned = append(pruned, PrunedArchive{Name: m[1], ID: m[2]})
	}
	return pruned
}
