//go:build !linux

package reachability

import "context"

func (w *Watcher) platformNotify(ctx context.Context, kick func()) error {
	return w.poll(ctx, kick)
}
