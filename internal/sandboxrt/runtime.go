// Package sandboxrt adapts a container runtime to the full sandbox
// lifecycle surface the control plane needs: inspect, start, pause,
// unpause, stop, live resource update, stats, exec, and list. Generalized
// from ghostpool's PoolBackend (create/start/stop/remove/exec only) to
// the wider set of operations the Hibernation Controller (C10), Wake
// Coordinator (C11), and Resource Governor (C12) all drive.
package sandboxrt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// State is the external status this package reports for a sandbox.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Inspection is what Inspect returns.
type Inspection struct {
	State    State
	StartedAt time.Time
}

// Limits is a live resource ceiling, applied via Update.
type Limits struct {
	MemBytes  int64
	SwapBytes int64
	CPUShares int64
	CPUQuota  int64
	CPUPeriod int64
	PidsLimit int64
}

// Stats is a point-in-time resource snapshot for one sandbox.
type Stats struct {
	CPUPercent  float64
	MemUsed     int64
	MemLimit    int64
	NetRxBytes  int64
	NetTxBytes  int64
	PIDs        int
}

// ExecResult is the captured output of a one-shot exec.
type ExecResult struct {
	Stdout []byte
	Stderr []byte
}

// Handle is a runtime-opaque identifier, previously obtained from Create
// or List — a Docker container id.
type Handle string

// NamedHandle pairs a handle with the name it was created under, so a
// startup scan can recover which tenant a bare container id belongs to.
type NamedHandle struct {
	Handle Handle
	Name   string
}

// NotFoundError is returned by Inspect when the handle no longer exists
// in the runtime; callers (C10) treat this as "remove from registry".
type NotFoundError struct {
	Handle Handle
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandboxrt: handle %q not found", e.Handle)
}

// Runtime is the sandbox runtime adapter surface (§6.1).
type Runtime interface {
	Create(ctx context.Context, image, name string, limits Limits) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Pause(ctx context.Context, h Handle) error
	Unpause(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle, graceSec int) error
	Inspect(ctx context.Context, h Handle) (Inspection, error)
	Update(ctx context.Context, h Handle, limits Limits) error
	Stats(ctx context.Context, h Handle) (Stats, error)
	Exec(ctx context.Context, h Handle, argv []string, timeout time.Duration) (ExecResult, error)
	List(ctx context.Context, namePrefix string) ([]Handle, error)
	ListNamed(ctx context.Context, namePrefix string) ([]NamedHandle, error)
	Name() string
}

// DockerRuntime implements Runtime over the local Docker daemon, optionally
// under a gVisor runtime (e.g. "runsc") for kernel-level isolation.
type DockerRuntime struct {
	gvisorRuntime string
}

// NewDockerRuntime builds a Docker-backed runtime. gvisorRuntime == "" uses
// the daemon's default runtime.
func NewDockerRuntime(gvisorRuntime string) *DockerRuntime {
	return &DockerRuntime{gvisorRuntime: gvisorRuntime}
}

func (d *DockerRuntime) Name() string {
	if d.gvisorRuntime != "" {
		return "docker/" + d.gvisorRuntime
	}
	return "docker"
}

func (d *DockerRuntime) client() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandboxrt: docker client: %w", err)
	}
	return cli, nil
}

func (d *DockerRuntime) Create(ctx context.Context, image, name string, limits Limits) (Handle, error) {
	cli, err := d.client()
	if err != nil {
		return "", err
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		Resources: containerResources(limits),
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}
	if d.gvisorRuntime != "" {
		hostConfig.Runtime = d.gvisorRuntime
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Tty:   false,
	}, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("sandboxrt: create container: %w", err)
	}
	return Handle(resp.ID), nil
}

func containerResources(l Limits) container.Resources {
	return container.Resources{
		Memory:     l.MemBytes,
		MemorySwap: l.SwapBytes,
		CPUShares:  l.CPUShares,
		CPUQuota:   l.CPUQuota,
		CPUPeriod:  l.CPUPeriod,
		PidsLimit:  &l.PidsLimit,
	}
}

func (d *DockerRuntime) Start(ctx context.Context, h Handle) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.ContainerStart(ctx, string(h), types.ContainerStartOptions{})
}

func (d *DockerRuntime) Pause(ctx context.Context, h Handle) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.ContainerPause(ctx, string(h))
}

func (d *DockerRuntime) Unpause(ctx context.Context, h Handle) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.ContainerUnpause(ctx, string(h))
}

func (d *DockerRuntime) Stop(ctx context.Context, h Handle, graceSec int) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	defer cli.Close()
	if graceSec <= 0 {
		graceSec = 10
	}
	return cli.ContainerStop(ctx, string(h), container.StopOptions{Timeout: &graceSec})
}

func (d *DockerRuntime) Inspect(ctx context.Context, h Handle) (Inspection, error) {
	cli, err := d.client()
	if err != nil {
		return Inspection{}, err
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, string(h))
	if err != nil {
		if client.IsErrNotFound(err) {
			return Inspection{}, &NotFoundError{Handle: h}
		}
		return Inspection{}, fmt.Errorf("sandboxrt: inspect: %w", err)
	}

	state := StateStopped
	switch {
	case info.State.Paused:
		state = StatePaused
	case info.State.Running:
		state = StateRunning
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, info.State.StartedAt)
	return Inspection{State: state, StartedAt: startedAt}, nil
}

func (d *DockerRuntime) Update(ctx context.Context, h Handle, limits Limits) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	defer cli.Close()

	_, err = cli.ContainerUpdate(ctx, string(h), container.UpdateConfig{
		Resources: containerResources(limits),
	})
	if err != nil {
		return fmt.Errorf("sandboxrt: update resources: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Stats(ctx context.Context, h Handle) (Stats, error) {
	cli, err := d.client()
	if err != nil {
		return Stats{}, err
	}
	defer cli.Close()

	resp, err := cli.ContainerStatsOneShot(ctx, string(h))
	if err != nil {
		return Stats{}, fmt.Errorf("sandboxrt: stats: %w", err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("sandboxrt: decode stats: %w", err)
	}

	return Stats{
		CPUPercent: cpuPercent(raw),
		MemUsed:    int64(raw.MemoryStats.Usage),
		MemLimit:   int64(raw.MemoryStats.Limit),
		NetRxBytes: sumNetRx(raw),
		NetTxBytes: sumNetTx(raw),
		PIDs:       int(raw.PidsStats.Current),
	}, nil
}

func cpuPercent(raw types.StatsJSON) float64 {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if sysDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	cpuCount := float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	if cpuCount == 0 {
		cpuCount = 1
	}
	return (cpuDelta / sysDelta) * cpuCount * 100.0
}

func sumNetRx(raw types.StatsJSON) int64 {
	var total int64
	for _, n := range raw.Networks {
		total += int64(n.RxBytes)
	}
	return total
}

func sumNetTx(raw types.StatsJSON) int64 {
	var total int64
	for _, n := range raw.Networks {
		total += int64(n.TxBytes)
	}
	return total
}

func (d *DockerRuntime) Exec(ctx context.Context, h Handle, argv []string, timeout time.Duration) (ExecResult, error) {
	cli, err := d.client()
	if err != nil {
		return ExecResult{}, err
	}
	defer cli.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execID, err := cli.ContainerExecCreate(ctx, string(h), types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          argv,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandboxrt: exec create: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandboxrt: exec attach: %w", err)
	}
	defer resp.Close()

	out, _ := io.ReadAll(resp.Reader)
	return ExecResult{Stdout: out}, nil
}

func (d *DockerRuntime) List(ctx context.Context, namePrefix string) ([]Handle, error) {
	named, err := d.ListNamed(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	handles := make([]Handle, 0, len(named))
	for _, n := range named {
		handles = append(handles, n.Handle)
	}
	return handles, nil
}

func (d *DockerRuntime) ListNamed(ctx context.Context, namePrefix string) ([]NamedHandle, error) {
	cli, err := d.client()
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("sandboxrt: list: %w", err)
	}

	var out []NamedHandle
	for _, c := range containers {
		for _, name := range c.Names {
			trimmed := trimLeadingSlash(name)
			if namePrefix == "" || hasPrefix(trimmed, namePrefix) {
				out = append(out, NamedHandle{Handle: Handle(c.ID), Name: trimmed})
				break
			}
		}
	}
	return out, nil
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
