package launcher

import "context"

// FakeLauncher is a test double that records calls instead of starting a
// real Chrome process; tests point it at an already-running fixture (a
// real Chrome, or an httptest server standing in for one).
type FakeLauncher struct {
	PID     int
	Killed  []*Handle
	LaunchErr error
}

// Launch returns a Handle with the configured PID and the requested port
// without spawning anything.
func (f *FakeLauncher) Launch(ctx context.Context, opts Options) (*Handle, error) {
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	pid := f.PID
	if pid == 0 {
		pid = 1
	}
	return &Handle{PID: pid, Port: opts.Port}, nil
}

// Kill records the handle it was asked to kill.
func (f *FakeLauncher) Kill(h *Handle) error {
	f.Killed = append(f.Killed, h)
	return nil
}
