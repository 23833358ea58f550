// Package trap wires the camera, detector, capture pipeline and the
// external surfaces into one running unit.
package trap

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	camera "github.com/mpoegel/camtrap/pkg/camera"
	cleanup "github.com/mpoegel/camtrap/pkg/cleanup"
	config "github.com/mpoegel/camtrap/pkg/config"
	control "github.com/mpoegel/camtrap/pkg/control"
	environ "github.com/mpoegel/camtrap/pkg/environ"
	journal "github.com/mpoegel/camtrap/pkg/journal"
	motion "github.com/mpoegel/camtrap/pkg/motion"
	notify "github.com/mpoegel/camtrap/pkg/notify"
	pipeline "github.com/mpoegel/camtrap/pkg/pipeline"
	store "github.com/mpoegel/camtrap/pkg/store"
	trigger "github.com/mpoegel/camtrap/pkg/trigger"
	upload "github.com/mpoegel/camtrap/pkg/upload"
	zap "go.uber.org/zap"
	errgroup "golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

// Hardware is what the trap runs against. Sensor is nil when no
// environment sensor was found.
type Hardware struct {
	Device camera.Device
	Sensor environ.Sensor
}

type Trap struct {
	cfg    *config.Config
	logger *zap.Logger

	hw       Hardware
	cam      *camera.Resource
	detector *motion.Detector
	env      *environ.Reader
	store    *store.Store
	journal  *journal.Journal
	pipeline *pipeline.Pipeline
	listener *trigger.Listener
	control  *control.Server
	notifier *notify.Notifier

	startedAt     time.Time
	running       atomic.Bool
	detectorState atomic.Value
}

func New(cfg *config.Config, hw Hardware, logger *zap.Logger) (*Trap, error) {
	policy, err := motion.ParseAreaPolicy(cfg.Motion.AreaPolicy)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Storage.ImageDir, 0o755); err != nil {
		return nil, fmt.Errorf("image directory: %w", err)
	}

	t := &Trap{
		cfg:       cfg,
		logger:    logger,
		hw:        hw,
		startedAt: time.Now(),
	}
	t.detectorState.Store(motion.AwaitingBaseline.String())

	t.cam = camera.NewResource(hw.Device, cameraModes(cfg.Camera), logger.Named("camera"))

	opt := motion.Options{
		BlurKernel:       cfg.Motion.BlurKernel,
		Threshold:        cfg.Motion.Threshold,
		DilateIterations: cfg.Motion.DilateIterations,
		MinArea:          cfg.Motion.MinArea,
		MaxArea:          cfg.Motion.MaxArea,
		AreaPolicy:       policy,
		Cooldown:         cfg.Motion.Cooldown,
	}
	if z := cfg.Motion.IgnoreZone; !z.Empty() {
		opt.IgnoreZone = image.Rect(z.X, z.Y, z.X+z.Width, z.Y+z.Height)
	}
	t.detector = motion.NewDetector(opt, logger.Named("motion"))
	t.env = environ.NewReader(hw.Sensor, logger.Named("environ"))
	t.store = store.New(cfg.Storage.StorePath)

	if cfg.Upload.Token == "" {
		logger.Warn("no upload token configured, uploads will be rejected", zap.String("env_file", cfg.Upload.EnvFile))
	}
	uploader := upload.NewClient(cfg.Upload.EventsURL, cfg.Upload.MediaURL, cfg.Upload.Token, cfg.Upload.Timeout, logger.Named("upload"))

	t.pipeline = pipeline.New(t.cam, t.env, t.store, uploader, pipeline.Options{ImageDir: cfg.Storage.ImageDir}, logger.Named("pipeline"))

	if cfg.Storage.JournalPath != "" {
		j, err := journal.Open(cfg.Storage.JournalPath)
		if err != nil {
			logger.Warn("capture journal unavailable, continuing without", zap.Error(err))
		} else {
			t.journal = j
			t.pipeline.WithJournal(j)
		}
	}

	if cfg.Trigger.Enabled {
		t.listener = trigger.NewListener(cfg.Trigger.Listen, t.handleExternal, logger.Named("trigger"))
	}
	if cfg.Control.Enabled {
		t.control, err = control.NewServer(cfg.Control.Listen, t, logger.Named("control"))
		if err != nil {
			t.close()
			return nil, err
		}
		t.pipeline.OnCapture(t.control.Publish)
	}
	if n := notify.New(cfg.MQTT, logger.Named("notify")); n.Enabled() {
		t.notifier = n
		t.pipeline.OnCapture(t.notifier.Notify)
	}
	return t, nil
}

// Run blocks until ctx is done or a unit fails, then releases every
// device.
func (t *Trap) Run(ctx context.Context) error {
	defer t.close()

	g, gctx := errgroup.WithContext(ctx)
	t.running.Store(true)
	context.AfterFunc(gctx, func() { t.running.Store(false) })

	g.Go(func() error { return t.motionLoop(gctx) })
	g.Go(func() error { return t.retryLoop(gctx) })
	g.Go(func() error { return t.pruneLoop(gctx) })
	if t.listener != nil {
		g.Go(func() error { return t.listener.Serve(gctx) })
	}
	if t.control != nil {
		g.Go(func() error { return t.control.Start(gctx) })
	}
	if t.notifier != nil {
		g.Go(func() error {
			if err := t.notifier.Connect(gctx); err != nil {
				t.logger.Warn("notifications disabled", zap.Error(err))
				return nil
			}
			return t.notifier.Run(gctx)
		})
	}

	t.logger.Info("trap running",
		zap.Bool("sensor", t.env.Available()),
		zap.Bool("journal", t.journal != nil),
		zap.Bool("trigger", t.listener != nil),
		zap.Bool("control", t.control != nil),
		zap.Bool("mqtt", t.notifier != nil))

	err := g.Wait()
	t.logger.Info("trap stopped")
	return err
}

func (t *Trap) close() {
	t.cam.Shutdown()
	t.detector.Close()
	if c, ok := t.hw.Sensor.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			t.logger.Warn("failed to close sensor", zap.Error(err))
		}
	}
	if t.journal != nil {
		t.journal.Close()
	}
}

// motionLoop feeds low resolution frames to the detector and captures a
// still whenever it reports motion.
func (t *Trap) motionLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		frame, err := t.nextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, camera.ErrClosed) {
				return nil
			}
			t.logger.Warn("failed to read frame", zap.Error(err))
			sleep(ctx, t.cfg.Motion.RetryDelay)
			continue
		}

		decision := t.detector.Process(frame)
		frame.Close()
		t.detectorState.Store(t.detector.State().String())
		if !decision.Motion {
			continue
		}

		t.logger.Info("motion detected", zap.Int("regions", len(decision.Regions)))
		t.pipeline.Handle(ctx, pipeline.MotionTrigger(decision.Regions))

		until := t.detector.PausedUntil()
		t.logger.Debug("cooling down", zap.Time("until", until))
		sleep(ctx, time.Until(until))
	}
	return nil
}

func (t *Trap) nextFrame(ctx context.Context) (*camera.Frame, error) {
	var frame *camera.Frame
	err := t.cam.Exclusive(ctx, func(s camera.Session) error {
		if s.Mode() != camera.LowResMotion {
			if err := s.Configure(camera.LowResMotion); err != nil {
				return err
			}
		}
		var err error
		frame, err = s.Capture()
		return err
	})
	return frame, err
}

// retryLoop periodically delivers anything a failed upload left behind.
func (t *Trap) retryLoop(ctx context.Context) error {
	if t.cfg.Upload.RetryInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(t.cfg.Upload.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.retry(ctx)
		}
	}
}

// retry delivers retained captures. Uploads already under way complete
// even when ctx is cancelled meanwhile.
func (t *Trap) retry(ctx context.Context) bool {
	if t.pending() == 0 {
		return true
	}
	t.logger.Info("retrying upload of retained captures")
	return t.pipeline.Flush(context.WithoutCancel(ctx))
}

func (t *Trap) pruneLoop(ctx context.Context) error {
	if t.cfg.Storage.Retention <= 0 {
		return nil
	}
	opt := cleanup.Options{ImageDir: t.cfg.Storage.ImageDir, OlderThan: t.cfg.Storage.Retention}
	logger := t.logger.Named("cleanup")
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if _, err := cleanup.Prune(opt, time.Now(), logger); err != nil {
			logger.Error("failed to prune retained images", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *Trap) handleExternal(ctx context.Context, source string) bool {
	return t.TriggerCapture(ctx, source).Captured
}

// TriggerCapture takes a picture on behalf of an external client.
func (t *Trap) TriggerCapture(ctx context.Context, source string) pipeline.Outcome {
	trig := pipeline.ExternalTrigger(source)
	if !t.running.Load() {
		return pipeline.Outcome{Trigger: trig, Skipped: true}
	}
	return t.pipeline.Handle(ctx, trig)
}

func (t *Trap) Status(ctx context.Context) map[string]any {
	st := map[string]any{
		"detector":       t.detectorState.Load(),
		"sensor":         t.env.Available(),
		"pending_store":  t.store.Exists(),
		"pending_images": t.pending(),
		"uptime":         time.Since(t.startedAt).Round(time.Second).String(),
	}
	err := t.cam.Exclusive(ctx, func(s camera.Session) error {
		st["camera"] = s.Mode().String()
		return nil
	})
	if err != nil {
		st["camera"] = err.Error()
	}
	if t.journal != nil {
		if stats, err := t.journal.Stats(); err == nil {
			st["captures"] = stats.Total
			if !stats.Last.IsZero() {
				st["last_capture"] = stats.Last.Format(time.RFC3339)
			}
		}
	}
	return st
}

// cameraModes overrides the default resolutions with the configured ones.
func cameraModes(cfg config.Camera) camera.Modes {
	modes := camera.DefaultModes()
	if r := cfg.Low; r.Width > 0 && r.Height > 0 {
		modes[camera.LowResMotion] = camera.Settings{Width: r.Width, Height: r.Height}
	}
	if r := cfg.High; r.Width > 0 && r.Height > 0 {
		modes[camera.HighResStill] = camera.Settings{Width: r.Width, Height: r.Height}
	}
	return modes
}

func (t *Trap) pending() int {
	matches, _ := filepath.Glob(filepath.Join(t.cfg.Storage.ImageDir, "*.jpg"))
	n := len(matches)
	if t.store.Exists() {
		n++
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
