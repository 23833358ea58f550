package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	zaptest "go.uber.org/zap/zaptest"
	gocv "gocv.io/x/gocv"
)

// fakeDevice produces frames sized to the last applied settings.
type fakeDevice struct {
	mu       sync.Mutex
	settings Settings
	applied  []Settings
	failRead bool
	failNext bool
	closed   atomic.Int32
	busy     atomic.Int32
	overlaps atomic.Int32
}

func (d *fakeDevice) enter() func() {
	if d.busy.Add(1) > 1 {
		d.overlaps.Add(1)
	}
	return func() { d.busy.Add(-1) }
}

func (d *fakeDevice) Apply(s Settings) error {
	defer d.enter()()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		return errors.New("sensor busy")
	}
	// widen the window in which a racing capture could observe a half-applied mode
	time.Sleep(time.Millisecond)
	d.settings = s
	d.applied = append(d.applied, s)
	return nil
}

func (d *fakeDevice) Read(dst *gocv.Mat) error {
	defer d.enter()()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRead {
		return errors.New("timeout")
	}
	mat := gocv.NewMatWithSize(d.settings.Height, d.settings.Width, gocv.MatTypeCV8UC1)
	defer mat.Close()
	mat.CopyTo(dst)
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed.Add(1)
	return nil
}

func testModes() Modes {
	return Modes{
		LowResMotion: {Width: 64, Height: 48},
		HighResStill: {Width: 256, Height: 144},
	}
}

func TestCaptureRequiresConfigure(t *testing.T) {
	r := NewResource(&fakeDevice{}, testModes(), zaptest.NewLogger(t))
	defer r.Shutdown()

	if _, err := r.Capture(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCaptureUsesConfiguredMode(t *testing.T) {
	r := NewResource(&fakeDevice{}, testModes(), zaptest.NewLogger(t))
	defer r.Shutdown()
	ctx := context.Background()

	if err := r.Configure(ctx, HighResStill); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	frame, err := r.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	defer frame.Close()

	if frame.Mode != HighResStill {
		t.Errorf("expected frame mode %s, got %s", HighResStill, frame.Mode)
	}
	if frame.Width() != 256 || frame.Height() != 144 {
		t.Errorf("expected 256x144 frame, got %dx%d", frame.Width(), frame.Height())
	}
	if frame.Timestamp.IsZero() {
		t.Error("frame timestamp not set")
	}
}

func TestCaptureFailureIsReported(t *testing.T) {
	dev := &fakeDevice{failRead: true}
	r := NewResource(dev, testModes(), zaptest.NewLogger(t))
	defer r.Shutdown()
	ctx := context.Background()

	if err := r.Configure(ctx, LowResMotion); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	frame, err := r.Capture(ctx)
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	if frame != nil {
		t.Error("expected no frame on failure")
	}
}

func TestFailedConfigureLeavesUnknownMode(t *testing.T) {
	dev := &fakeDevice{}
	r := NewResource(dev, testModes(), zaptest.NewLogger(t))
	defer r.Shutdown()
	ctx := context.Background()

	if err := r.Configure(ctx, LowResMotion); err != nil {
		t.Fatal(err)
	}
	dev.failNext = true
	if err := r.Configure(ctx, HighResStill); !errors.Is(err, ErrConfigureFailed) {
		t.Fatalf("expected ErrConfigureFailed, got %v", err)
	}

	var mode Mode
	r.Exclusive(ctx, func(s Session) error {
		mode = s.Mode()
		return nil
	})
	if mode != ModeUnknown {
		t.Errorf("expected unknown mode after failed configure, got %s", mode)
	}
}

// TestConfigureCaptureSerialized checks that a configure followed by a
// capture inside one exclusive section always observes its own mode, even
// with other goroutines reconfiguring concurrently.
func TestConfigureCaptureSerialized(t *testing.T) {
	dev := &fakeDevice{}
	modes := testModes()
	r := NewResource(dev, modes, zaptest.NewLogger(t))
	defer r.Shutdown()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mismatches atomic.Int32
	for i := 0; i < 8; i++ {
		want := LowResMotion
		if i%2 == 0 {
			want = HighResStill
		}
		wg.Add(1)
		go func(want Mode) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				err := r.Exclusive(ctx, func(s Session) error {
					if err := s.Configure(want); err != nil {
						return err
					}
					frame, err := s.Capture()
					if err != nil {
						return err
					}
					defer frame.Close()
					if frame.Mode != want || frame.Width() != modes[want].Width {
						mismatches.Add(1)
					}
					return nil
				})
				if err != nil {
					t.Errorf("exclusive section failed: %v", err)
				}
			}
		}(want)
	}
	wg.Wait()

	if n := mismatches.Load(); n != 0 {
		t.Errorf("%d captures observed a foreign mode", n)
	}
	if n := dev.overlaps.Load(); n != 0 {
		t.Errorf("device saw %d overlapping calls", n)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	r := NewResource(dev, testModes(), zaptest.NewLogger(t))

	r.Shutdown()
	r.Shutdown()

	if n := dev.closed.Load(); n != 1 {
		t.Errorf("expected device closed once, got %d", n)
	}
	if err := r.Configure(context.Background(), LowResMotion); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestExclusiveHonorsCancelledContext(t *testing.T) {
	r := NewResource(&fakeDevice{}, testModes(), zaptest.NewLogger(t))
	defer r.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	go r.Exclusive(context.Background(), func(Session) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Exclusive(ctx, func(Session) error { return nil })
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while section busy, got %v", err)
	}
}

func TestExclusiveRecoversPanic(t *testing.T) {
	r := NewResource(&fakeDevice{}, testModes(), zaptest.NewLogger(t))
	defer r.Shutdown()

	err := r.Exclusive(context.Background(), func(Session) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panicking session")
	}
	// the owner goroutine must still be serving
	if err := r.Configure(context.Background(), LowResMotion); err != nil {
		t.Errorf("resource unusable after panic: %v", err)
	}
}
