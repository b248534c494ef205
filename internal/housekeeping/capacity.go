package housekeeping

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/remote"
)

// metricsCommand prints load1, then disk size and used bytes of /, then
// memory total and used bytes, one group per line.
const metricsCommand = `cut -d' ' -f1 /proc/loadavg; ` +
	`df -B1 --output=size,used / | tail -n 1; ` +
	`free -b | awk '/^Mem:/ {print $2, $3}'`

func (h *Handlers) ServerMetrics(ctx context.Context, job *model.Job) (string, error) {
	var p model.ServerPayload
	if err := decode(job, &p); err != nil {
		return "", err
	}
	srv, err := h.Servers.Get(ctx, p.ServerID)
	if err != nil {
		return "", err
	}
	res, err := h.Remote.Run(ctx, remote.ServerHost(srv), metricsCommand)
	if err != nil {
		return "", err
	}
	m, err := parseServerMetrics(string(res.Stdout))
	if err != nil {
		return "", fmt.Errorf("server %s: %w", srv.Name, err)
	}
	if err := h.Servers.UpdateMetrics(ctx, srv.ID, *m, h.clock()); err != nil {
		return "", err
	}
	return fmt.Sprintf("load %.2f, disk %d/%d, mem %d/%d", m.Load1, m.DiskUsedBytes, m.DiskTotalBytes, m.MemUsedBytes, m.MemTotalBytes), nil
}

func parseServerMetrics(out string) (*model.ServerMetrics, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		return nil, fmt.Errorf("parse metrics: expected 3 lines, got %d", len(lines))
	}
	load, err := strconv.ParseFloat(strings.TrimSpace(lines[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("parse load average: %w", err)
	}
	diskTotal, diskUsed, err := parsePair(lines[1])
	if err != nil {
		return nil, fmt.Errorf("parse disk usage: %w", err)
	}
	memTotal, memUsed, err := parsePair(lines[2])
	if err != nil {
		return nil, fmt.Errorf("parse memory usage: %w", err)
	}
	return &model.ServerMetrics{
		Load1:          load,
		DiskTotalBytes: diskTotal,
		DiskUsedBytes:  diskUsed,
		MemTotalBytes:  memTotal,
		MemUsedBytes:   memUsed,
	}, nil
}

func parsePair(line string) (int64, int64, error) {
	f := strings.Fields(line)
	if len(f) != 2 {
		return 0, 0, fmt.Errorf("expected 2 fields in %q", line)
	}
	a, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseInt(f[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func (h *Handlers) StoragePoolCapacity(ctx context.Context, job *model.Job) (string, error) {
	var p model.StoragePoolPayload
	if err := decode(job, &p); err != nil {
		return "", err
	}
	pool, err := h.Pools.Get(ctx, p.StoragePoolID)
	if err != nil {
		return "", err
	}
	res, err := h.Local.Run(ctx, process.Command{Name: "df", Args: []string{"-B1", "--output=size,used", pool.Path}})
	if err != nil {
		return "", fmt.Errorf("df %s: %w", pool.Path, err)
	}
	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	capacity, used, err := parsePair(lines[len(lines)-1])
	if err != nil {
		return "", fmt.Errorf("parse df output for %s: %w", pool.Path, err)
	}
	if err := h.Pools.UpdateCapacity(ctx, pool.ID, capacity, used, h.clock()); err != nil {
		return "", err
	}
	return fmt.Sprintf("pool %s: %d of %d bytes used", pool.Name, used, capacity), nil
}
