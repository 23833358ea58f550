package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	zap "go.uber.org/zap"
	gocv "gocv.io/x/gocv"
)

// Session is the device view handed to an Exclusive closure. It must not be
// retained after the closure returns.
type Session interface {
	Configure(mode Mode) error
	Capture() (*Frame, error)
	Mode() Mode
}

type request struct {
	fn   func(Session) error
	errC chan error
}

// Resource owns a Device on a single goroutine. Every configure and
// capture is executed by that goroutine, so they are totally ordered and a
// capture never overlaps a mode change.
type Resource struct {
	dev    Device
	modes  Modes
	logger *zap.Logger
	now    func() time.Time

	reqC     chan request
	stopC    chan struct{}
	doneC    chan struct{}
	stopOnce sync.Once

	// owned by the run goroutine
	mode Mode
}

func NewResource(dev Device, modes Modes, logger *zap.Logger) *Resource {
	r := &Resource{
		dev:    dev,
		modes:  modes,
		logger: logger,
		now:    time.Now,
		reqC:   make(chan request),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
		mode:   ModeUnknown,
	}
	go r.run()
	return r
}

func (r *Resource) run() {
	defer close(r.doneC)
	sess := &session{r: r}
	for {
		select {
		case req := <-r.reqC:
			req.errC <- r.exec(sess, req.fn)
		case <-r.stopC:
			if err := r.dev.Close(); err != nil {
				r.logger.Warn("failed to close camera", zap.Error(err))
			}
			r.logger.Info("camera released")
			return
		}
	}
}

func (r *Resource) exec(sess *session, fn func(Session) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("camera session panicked: %v", p)
		}
	}()
	return fn(sess)
}

// Exclusive runs fn with sole access to the device. Once fn has started it
// runs to completion even if ctx is cancelled.
func (r *Resource) Exclusive(ctx context.Context, fn func(Session) error) error {
	req := request{fn: fn, errC: make(chan error, 1)}
	select {
	case r.reqC <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.doneC:
		return ErrClosed
	}
	return <-req.errC
}

func (r *Resource) Configure(ctx context.Context, mode Mode) error {
	return r.Exclusive(ctx, func(s Session) error {
		return s.Configure(mode)
	})
}

func (r *Resource) Capture(ctx context.Context) (*Frame, error) {
	var frame *Frame
	err := r.Exclusive(ctx, func(s Session) error {
		var err error
		frame, err = s.Capture()
		return err
	})
	return frame, err
}

// Shutdown stops streaming and releases the device. Safe to call repeatedly.
func (r *Resource) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stopC)
	})
	<-r.doneC
}

type session struct {
	r *Resource
}

func (s *session) Mode() Mode {
	return s.r.mode
}

func (s *session) Configure(mode Mode) error {
	settings, ok := s.r.modes[mode]
	if !ok {
		return fmt.Errorf("%w: no settings for mode %s", ErrConfigureFailed, mode)
	}
	if err := s.r.dev.Apply(settings); err != nil {
		s.r.mode = ModeUnknown
		return fmt.Errorf("%w: %s: %v", ErrConfigureFailed, mode, err)
	}
	s.r.mode = mode
	s.r.logger.Debug("camera configured", zap.Stringer("mode", mode), zap.Stringer("size", settings))
	return nil
}

func (s *session) Capture() (*Frame, error) {
	if s.r.mode == ModeUnknown {
		return nil, ErrNotConfigured
	}
	mat := gocv.NewMat()
	if err := s.r.dev.Read(&mat); err != nil {
		mat.Close()
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return &Frame{
		Mat:       mat,
		Timestamp: s.r.now(),
		Mode:      s.r.mode,
	}, nil
}
