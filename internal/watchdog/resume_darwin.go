package watchdog

import "context"

// WatchResume is a no-op on macOS; the clock comparison uses the uptime
// clock there, which already stops during sleep.
func (w *Watchdog) WatchResume(ctx context.Context) {}
