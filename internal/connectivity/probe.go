package connectivity

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DialProbe treats the network as reachable when a TCP connection to Address
// (host:port) can be opened within Timeout.
type DialProbe struct {
	Address string
	Timeout time.Duration
}

func (p DialProbe) Reachable(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// FileProbe reads reachability from a status file written by another process
// (a network manager hook, for instance). The file holds "online" or
// "offline"; a missing file or any other content counts as online.
type FileProbe struct {
	Path string
}

func (p FileProbe) Reachable(context.Context) bool {
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return true
	}
	return !strings.EqualFold(strings.TrimSpace(string(b)), "offline")
}

// Changes watches the status file's directory and signals on every event
// touching the file. The watcher is closed when ctx is done.
func (p FileProbe) Changes(ctx context.Context) (<-chan struct{}, error) {
	target, err := filepath.Abs(p.Path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so replace-by-rename writers are seen.
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

// StaticProbe reports a settable status and pushes a change hint on every
// Set. Useful for tests and for forcing offline mode.
type StaticProbe struct {
	mu      sync.Mutex
	online  bool
	changes chan struct{}
}

func NewStaticProbe(online bool) *StaticProbe {
	return &StaticProbe{online: online, changes: make(chan struct{}, 1)}
}

func (p *StaticProbe) Reachable(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Set changes the reported status.
func (p *StaticProbe) Set(online bool) {
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
	select {
	case p.changes <- struct{}{}:
	default:
	}
}

func (p *StaticProbe) Changes(context.Context) (<-chan struct{}, error) {
	return p.changes, nil
}
