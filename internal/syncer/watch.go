package syncer

import (
	"context"
	"time"
)

// Watch polls the backend health endpoint until the context ends, updating
// the online flag after every probe. An offline-to-online transition kicks
// off a queue replay through SetOnline.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	m.probe(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Manager) probe(ctx context.Context) {
	err := m.api.Ping(ctx)
	m.SetOnline(ctx, err == nil)
}
