package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/goccy/go-json"

	"github.com/edvin/backupd/internal/model"
)

// esSnapshotName is fixed so Cleanup and the next Prepare find it.
const esSnapshotName = "backupd"

// Elasticsearch takes an engine-native snapshot into a filesystem snapshot
// repository and archives that repository's location.
type Elasticsearch struct {
	transport http.RoundTripper
	// baseURL overrides the address derived from the target.
	baseURL string
}

// NewElasticsearch creates the strategy. A nil transport uses the client default.
func NewElasticsearch(transport http.RoundTripper) *Elasticsearch {
	return &Elasticsearch{transport: transport}
}

func (e *Elasticsearch) Type() string { return model.BackupTypeElasticsearch }

func (e *Elasticsearch) address(t Target) string {
	if e.baseURL != "" {
		return e.baseURL
	}
	return "http://" + engineAddr(t, 9200)
}

func (e *Elasticsearch) client(t Target) (*elasticsearch.Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{e.address(t)},
		Username:  t.DB.User,
		Password:  t.DB.Password,
		Transport: e.transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client for %s: %w", e.address(t), err)
	}
	return es, nil
}

// decodeES closes res, turning error statuses into errors and decoding the
// body into out when out is non-nil.
func decodeES(res *esapi.Response, out any) error {
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("status %d: %s", res.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (e *Elasticsearch) repoName(t Target) string {
	if t.DB.SnapshotRepo != "" {
		return t.DB.SnapshotRepo
	}
	return "backupd"
}

func (e *Elasticsearch) Prepare(ctx context.Context, t Target) (*Result, error) {
	if t.DB == nil {
		return nil, errors.New("no database info for server")
	}
	es, err := e.client(t)
	if err != nil {
		return nil, err
	}
	repo := e.repoName(t)

	res, err := es.Snapshot.GetRepository(
		es.Snapshot.GetRepository.WithRepository(repo),
		es.Snapshot.GetRepository.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("read snapshot repository %s: %w", repo, err)
	}
	var repos map[string]struct {
		Type     string `json:"type"`
		Settings struct {
			Location string `json:"location"`
		} `json:"settings"`
	}
	if err := decodeES(res, &repos); err != nil {
		return nil, fmt.Errorf("read snapshot repository %s: %w", repo, err)
	}
	info, ok := repos[repo]
	if !ok || info.Type != "fs" || info.Settings.Location == "" {
		return nil, fmt.Errorf("snapshot repository %s is not a filesystem repository", repo)
	}

	if err := e.deleteSnapshot(ctx, es, repo); err != nil {
		return nil, fmt.Errorf("remove previous snapshot: %w", err)
	}

	body, err := json.Marshal(map[string]any{"indices": "*", "include_global_state": true})
	if err != nil {
		return nil, err
	}
	res, err = es.Snapshot.Create(repo, esSnapshotName,
		es.Snapshot.Create.WithBody(bytes.NewReader(body)),
		es.Snapshot.Create.WithWaitForCompletion(true),
		es.Snapshot.Create.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	var created struct {
		Snapshot struct {
			State    string `json:"state"`
			Failures []any  `json:"failures"`
		} `json:"snapshot"`
	}
	if err := decodeES(res, &created); err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	if created.Snapshot.State != "SUCCESS" {
		cleanupErr := e.deleteSnapshot(context.WithoutCancel(ctx), es, repo)
		return nil, errors.Join(fmt.Errorf("snapshot finished in state %s", created.Snapshot.State), cleanupErr)
	}

	return &Result{Paths: []string{info.Settings.Location}, CleanupNeeded: true}, nil
}

func (e *Elasticsearch) Cleanup(ctx context.Context, t Target) error {
	if t.DB == nil {
		return errors.New("no database info for server")
	}
	es, err := e.client(t)
	if err != nil {
		return err
	}
	return e.deleteSnapshot(ctx, es, e.repoName(t))
}

// deleteSnapshot removes the fixed snapshot. A missing snapshot is not an error.
func (e *Elasticsearch) deleteSnapshot(ctx context.Context, es *elasticsearch.Client, repo string) error {
	res, err := es.Snapshot.Delete(repo, []string{esSnapshotName}, es.Snapshot.Delete.WithContext(ctx))
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil
	}
	return decodeES(res, nil)
}
