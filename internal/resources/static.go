package resources

import (
	"context"
	"sync"
)

// StaticProvider returns whatever snapshot was last set. It backs tests and
// the "static" provider mode used on hosts where sampling is unavailable.
type StaticProvider struct {
	mu    sync.Mutex
	snap  Snapshot
	err   error
	calls int
}

func NewStaticProvider(snap Snapshot) *StaticProvider {
	return &StaticProvider{snap: snap}
}

func (p *StaticProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return Snapshot{}, p.err
	}
	return p.snap, nil
}

func (p *StaticProvider) Set(snap Snapshot) {
	p.mu.Lock()
	p.snap = snap
	p.err = nil
	p.mu.Unlock()
}

func (p *StaticProvider) SetError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Calls reports how many snapshots have been taken.
func (p *StaticProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
