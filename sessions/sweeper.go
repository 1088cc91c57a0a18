package sessions

import (
	"context"
	"log/slog"
	"time"
)

// Sweep removes expired sessions from the local store and, when configured,
// the shared store. It returns the number removed from the local store plus
// the number removed from the shared store.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	n, _ := m.local.Sweep(ctx, now)
	m.pruneDegraded(ctx)
	if m.shared == nil {
		return n, nil
	}
	sn, err := m.shared.Sweep(ctx, now)
	if err != nil {
		return n, err
	}
	return n + sn, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.log.WarnContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
				continue
			}
			if n > 0 {
				m.log.DebugContext(ctx, "session.sweep.ok", slog.Int("removed", n))
			}
		}
	}
}

// pruneDegraded forgets degraded ids whose local copy is gone.
func (m *Manager) pruneDegraded(ctx context.Context) {
	m.degradedMu.Lock()
	defer m.degradedMu.Unlock()
	for id := range m.degraded {
		if s, _ := m.local.Load(ctx, id); s == nil {
			delete(m.degraded, id)
		}
	}
}
