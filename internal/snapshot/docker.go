package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/remote"
)

// Docker archives the mountpoints of every local volume on the server.
type Docker struct {
	remote Remote
}

func NewDocker(r Remote) *Docker {
	return &Docker{remote: r}
}

func (d *Docker) Type() string { return model.BackupTypeDocker }

func (d *Docker) Prepare(ctx context.Context, t Target) (*Result, error) {
	host := remote.ServerHost(t.Server)

	res, err := d.remote.Run(ctx, host, "docker volume ls --quiet --filter driver=local")
	if err != nil {
		return nil, fmt.Errorf("list docker volumes: %w", err)
	}
	names := strings.Fields(string(res.Stdout))
	if len(names) == 0 {
		return nil, errors.New("no docker volumes on server")
	}

	res, err = d.remote.Run(ctx, host, "docker volume inspect "+process.QuoteAll(names...))
	if err != nil {
		return nil, fmt.Errorf("inspect docker volumes: %w", err)
	}
	var volumes []struct {
		Name       string `json:"Name"`
		Mountpoint string `json:"Mountpoint"`
	}
	if err := json.Unmarshal(res.Stdout, &volumes); err != nil {
		return nil, fmt.Errorf("decode docker volume inspect: %w", err)
	}

	paths := make([]string, 0, len(volumes))
	for _, v := range volumes {
		if v.Mountpoint != "" {
			paths = append(paths, v.Mountpoint)
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("docker volumes have no mountpoints")
	}
	return &Result{Paths: paths}, nil
}

func (d *Docker) Cleanup(context.Context, Target) error { return nil }
