// Package backend manages the pool of per-channel AI backend server
// processes: port allocation, spawn, health probing, bounded restart,
// refcounted sharing, and idle eviction.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"relay/internal/logging"
	"relay/internal/metrics"
	"relay/internal/retry"
)

var ErrBackendUnavailable = errors.New("backend unavailable")
var ErrPoolClosed = errors.New("backend pool closed")

// Process is a running backend subprocess.
type Process interface {
	Stop(ctx context.Context) error
}

// Launcher spawns one backend process listening on the given port.
type Launcher interface {
	Launch(ctx context.Context, port int) (Process, error)
}

type Options struct {
	Launcher Launcher

	// Probe checks liveness of a running instance. Nil uses a TCP
	// dial against the instance port.
	Probe func(ctx context.Context, port int) error

	PortBase  int
	PortLimit int

	HealthInterval     time.Duration
	IdleTimeout        time.Duration
	MaxRestartAttempts int
	RestartBackoff     retry.Backoff

	Logger   *logging.Logger
	Registry *metrics.Registry

	// OnUnavailable fires once when an instance is removed, so
	// in-flight turns against it can fail. The error is non-nil for
	// restart exhaustion and nil for idle eviction.
	OnUnavailable func(instance *Instance, err error)

	// Busy reports whether a channel has an active turn; an instance
	// with any busy channel is never idle-evicted. Nil means never
	// busy.
	Busy func(channelID string) bool

	Clock func() time.Time
	Sleep func(context.Context, time.Duration) error
}

const (
	defaultHealthInterval     = 15 * time.Second
	defaultIdleTimeout        = 30 * time.Minute
	defaultMaxRestartAttempts = 3
	stopTimeout               = 10 * time.Second
)

type Pool struct {
	options Options

	mu        sync.Mutex
	byChannel map[string]*Instance
	ports     *portAllocator
	closed    bool
}

func NewPool(options Options) (*Pool, error) {
	if options.Launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if options.Probe == nil {
		options.Probe = tcpProbe
	}
	if options.HealthInterval <= 0 {
		options.HealthInterval = defaultHealthInterval
	}
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = defaultIdleTimeout
	}
	if options.MaxRestartAttempts <= 0 {
		options.MaxRestartAttempts = defaultMaxRestartAttempts
	}
	if options.Registry == nil {
		options.Registry = metrics.Default
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	if options.Sleep == nil {
		options.Sleep = sleepContext
	}
	return &Pool{
		options:   options,
		byChannel: make(map[string]*Instance),
		ports:     newPortAllocator(options.PortBase, options.PortLimit),
	}, nil
}

// SetOnUnavailable installs the removal callback after construction,
// for callers that own the routing from instances to active turns and
// are built around an existing pool.
func (p *Pool) SetOnUnavailable(fn func(instance *Instance, err error)) {
	p.mu.Lock()
	p.options.OnUnavailable = fn
	p.mu.Unlock()
}

// SetBusyCheck installs the busy predicate consulted before idle
// eviction.
func (p *Pool) SetBusyCheck(fn func(channelID string) bool) {
	p.mu.Lock()
	p.options.Busy = fn
	p.mu.Unlock()
}

// GetOrCreate returns the channel's cached instance, bumping its
// last-used time, or allocates a port, spawns the backend, and starts
// its health loop.
func (p *Pool) GetOrCreate(ctx context.Context, channelID string) (*Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if instance, ok := p.byChannel[channelID]; ok {
		p.mu.Unlock()
		instance.touch(p.options.Clock())
		return instance, nil
	}
	p.mu.Unlock()

	port, err := p.ports.Allocate()
	if err != nil {
		return nil, err
	}
	process, err := p.options.Launcher.Launch(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("spawn backend: %w", err)
	}

	instance := newInstance(port, process, channelID, p.options.Clock())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = process.Stop(context.Background())
		return nil, ErrPoolClosed
	}
	if existing, ok := p.byChannel[channelID]; ok {
		// Lost a create race; keep the winner.
		p.mu.Unlock()
		_ = process.Stop(context.Background())
		existing.touch(p.options.Clock())
		return existing, nil
	}
	p.byChannel[channelID] = instance
	p.mu.Unlock()

	p.logInfo("backend spawned", map[string]string{
		"channel": channelID,
		"port":    strconv.Itoa(port),
	})
	go p.healthLoop(instance)
	return instance, nil
}

// AttachChannel shares an existing instance under an additional
// channel key, used when a forked conversation should run on the same
// backend as its parent.
func (p *Pool) AttachChannel(channelID string, instance *Instance) error {
	if instance == nil {
		return errors.New("instance is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if instance.isRemoved() {
		return ErrBackendUnavailable
	}
	if _, ok := p.byChannel[channelID]; ok {
		return fmt.Errorf("channel %q already attached", channelID)
	}
	p.byChannel[channelID] = instance
	instance.attach(channelID)
	return nil
}

// Shutdown detaches the channel; the process stops and timers cancel
// only when the refcount reaches zero.
func (p *Pool) Shutdown(ctx context.Context, channelID string) error {
	p.mu.Lock()
	instance, ok := p.byChannel[channelID]
	if ok {
		delete(p.byChannel, channelID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if !instance.detach(channelID) {
		return nil
	}
	return p.stopInstance(ctx, instance)
}

// Lookup returns the instance currently serving a channel.
func (p *Pool) Lookup(channelID string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	instance, ok := p.byChannel[channelID]
	return instance, ok
}

// Close stops every instance. In-flight turns fail on their next call.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	instances := make(map[*Instance]struct{})
	for _, instance := range p.byChannel {
		instances[instance] = struct{}{}
	}
	p.byChannel = make(map[string]*Instance)
	p.mu.Unlock()

	var errs []error
	for instance := range instances {
		if err := p.stopInstance(ctx, instance); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) stopInstance(ctx context.Context, instance *Instance) error {
	instance.signalStopHealth()
	<-instance.healthDone

	process := instance.currentProcess()
	if process == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := process.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop backend on port %d: %w", instance.port, err)
	}
	return nil
}

func (p *Pool) healthLoop(instance *Instance) {
	defer close(instance.healthDone)

	ticker := time.NewTicker(p.options.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-instance.stopHealth:
			return
		case <-ticker.C:
		}

		now := p.options.Clock()
		if instance.RefCount() > 0 && instance.idleFor(now) >= p.options.IdleTimeout {
			if p.anyChannelBusy(instance) {
				// A long-running turn counts as activity; restart
				// the idle window instead of evicting under it.
				instance.touch(now)
				continue
			}
			p.evictIdle(instance)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.options.HealthInterval)
		err := p.options.Probe(ctx, instance.port)
		cancel()
		if err == nil {
			instance.mu.Lock()
			instance.restartAttempts = 0
			instance.mu.Unlock()
			continue
		}

		if !p.restartInstance(instance, err) {
			return
		}
	}
}

// restartInstance attempts one bounded restart after a failed probe.
// It returns false when the instance was removed permanently.
func (p *Pool) restartInstance(instance *Instance, probeErr error) bool {
	instance.mu.Lock()
	attempt := instance.restartAttempts
	instance.mu.Unlock()

	if attempt >= p.options.MaxRestartAttempts {
		p.removeInstance(instance, fmt.Errorf("%w: %d restart attempts exhausted: %v",
			ErrBackendUnavailable, p.options.MaxRestartAttempts, probeErr))
		return false
	}

	instance.mu.Lock()
	instance.restartAttempts++
	attempt = instance.restartAttempts
	instance.mu.Unlock()

	p.logWarn("backend probe failed, restarting", map[string]string{
		"port":    strconv.Itoa(instance.port),
		"attempt": strconv.Itoa(attempt),
		"error":   probeErr.Error(),
	})
	p.options.Registry.IncBackendRestart()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if process := instance.currentProcess(); process != nil {
		_ = process.Stop(ctx)
		instance.setProcess(nil)
	}
	if p.options.Sleep(ctx, p.options.RestartBackoff.Delay(attempt-1)) != nil {
		return true
	}

	process, err := p.options.Launcher.Launch(ctx, instance.port)
	if err != nil {
		p.logWarn("backend relaunch failed", map[string]string{
			"port":  strconv.Itoa(instance.port),
			"error": err.Error(),
		})
		return true
	}
	instance.setProcess(process)
	return true
}

func (p *Pool) evictIdle(instance *Instance) {
	p.detachAll(instance)
	instance.markRemoved(nil)
	p.logInfo("backend evicted after idle timeout", map[string]string{
		"port": strconv.Itoa(instance.port),
	})
	if process := instance.currentProcess(); process != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = process.Stop(ctx)
	}
	p.notifyRemoved(instance, nil)
}

func (p *Pool) removeInstance(instance *Instance, err error) {
	p.detachAll(instance)
	instance.markRemoved(err)
	p.options.Registry.IncBackendRemoved()
	p.logWarn("backend removed permanently", map[string]string{
		"port":  strconv.Itoa(instance.port),
		"error": err.Error(),
	})
	if process := instance.currentProcess(); process != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = process.Stop(ctx)
	}
	p.notifyRemoved(instance, err)
}

func (p *Pool) anyChannelBusy(instance *Instance) bool {
	p.mu.Lock()
	busy := p.options.Busy
	p.mu.Unlock()
	if busy == nil {
		return false
	}
	for _, channel := range instance.Channels() {
		if busy(channel) {
			return true
		}
	}
	return false
}

func (p *Pool) notifyRemoved(instance *Instance, err error) {
	p.mu.Lock()
	onUnavailable := p.options.OnUnavailable
	p.mu.Unlock()
	if onUnavailable != nil {
		onUnavailable(instance, err)
	}
}

func (p *Pool) detachAll(instance *Instance) {
	p.mu.Lock()
	for channel, candidate := range p.byChannel {
		if candidate == instance {
			delete(p.byChannel, channel)
		}
	}
	p.mu.Unlock()
}

func (p *Pool) logInfo(message string, fields map[string]string) {
	if p.options.Logger != nil {
		p.options.Logger.Info(message, fields)
	}
}

func (p *Pool) logWarn(message string, fields map[string]string) {
	if p.options.Logger != nil {
		p.options.Logger.Warn(message, fields)
	}
}

func tcpProbe(ctx context.Context, port int) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return conn.Close()
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
