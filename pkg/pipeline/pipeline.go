// Package pipeline turns a trigger into a high resolution still, a capture
// record and an upload.
package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	uuid "github.com/google/uuid"
	camera "github.com/mpoegel/camtrap/pkg/camera"
	environ "github.com/mpoegel/camtrap/pkg/environ"
	journal "github.com/mpoegel/camtrap/pkg/journal"
	motion "github.com/mpoegel/camtrap/pkg/motion"
	store "github.com/mpoegel/camtrap/pkg/store"
	zap "go.uber.org/zap"
)

type Camera interface {
	Exclusive(ctx context.Context, fn func(camera.Session) error) error
}

type Environment interface {
	Read() environ.Sample
}

type Uploader interface {
	UploadEvents(ctx context.Context, path string) error
	UploadMedia(ctx context.Context, path string) error
}

type Journal interface {
	Insert(e journal.Entry) error
	SetStatus(media string, status journal.Status) error
}

// Outcome describes one Handle call.
type Outcome struct {
	ID       string
	Trigger  Trigger
	Record   store.Record
	Sample   environ.Sample
	Skipped  bool
	Captured bool
	Stored   bool
	Uploaded bool
	Retained bool
}

type Options struct {
	ImageDir string
}

// Pipeline runs at most one capture at a time.
type Pipeline struct {
	cam      Camera
	env      Environment
	store    *store.Store
	uploader Uploader
	journal  Journal
	opt      Options
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	last      time.Time
	observers []func(Outcome)
}

func New(cam Camera, env Environment, st *store.Store, up Uploader, opt Options, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cam:      cam,
		env:      env,
		store:    st,
		uploader: up,
		opt:      opt,
		logger:   logger,
		now:      time.Now,
	}
}

// WithJournal records every capture and upload in j.
func (p *Pipeline) WithJournal(j Journal) *Pipeline {
	p.journal = j
	return p
}

// OnCapture registers fn to receive every non-skipped outcome. Must be
// called before the first Handle.
func (p *Pipeline) OnCapture(fn func(Outcome)) {
	p.observers = append(p.observers, fn)
}

// Handle performs one capture. Failures are logged and reflected in the
// outcome; they never propagate to the caller.
func (p *Pipeline) Handle(ctx context.Context, trig Trigger) Outcome {
	out := Outcome{Trigger: trig}
	// a capture racing shutdown is harmless either way
	if ctx.Err() != nil {
		p.logger.Debug("shutdown in progress, skipping capture", zap.Stringer("trigger", trig.Kind))
		out.Skipped = true
		return out
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out.ID = uuid.NewString()
	now := p.captureTime()
	name := now.Format(camera.FileTimeFormat)
	imgPath := p.imagePath(name)
	logger := p.logger.With(zap.String("capture", out.ID), zap.Stringer("trigger", trig.Kind), zap.String("source", trig.Source))
	logger.Info("capture triggered", zap.Int("regions", len(trig.Regions)))

	// the capture itself is not preempted by shutdown
	capCtx := context.WithoutCancel(ctx)
	if err := p.capture(capCtx, imgPath, logger); err != nil {
		logger.Warn("no image this cycle", zap.Error(err))
	} else {
		out.Captured = true
	}

	out.Sample = p.env.Read()
	out.Record = store.Record{
		Time:        now,
		Temperature: out.Sample.Temperature,
		Humidity:    out.Sample.Humidity,
	}
	if out.Captured {
		out.Record.Media = name
	}
	if len(trig.Regions) > 0 {
		contour, err := motion.MarshalContours(motion.Merge(trig.Regions))
		if err != nil {
			logger.Warn("failed to serialize regions", zap.Error(err))
		} else {
			out.Record.Contour = contour
		}
	}

	if err := p.store.Append(out.Record); err != nil {
		logger.Error("failed to persist capture record, skipping upload", zap.Error(err))
		if out.Captured {
			// an image without its record must never reach the server
			if rerr := os.Remove(imgPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				logger.Error("failed to discard unrecorded image", zap.String("path", imgPath), zap.Error(rerr))
			}
			out.Record.Media = ""
		}
		p.record(out, journal.StatusFailed, logger)
		p.notify(out)
		return out
	}
	out.Stored = true

	status := journal.StatusCaptured
	if !out.Captured {
		status = journal.StatusNoImage
	}
	p.record(out, status, logger)

	out.Uploaded = p.flush(capCtx, logger)
	out.Retained = !out.Uploaded
	p.notify(out)
	return out
}

// captureTime returns the capture timestamp, advanced in millisecond steps
// until its artifact name is unused. Must be called with mu held.
func (p *Pipeline) captureTime() time.Time {
	now := p.now().Truncate(time.Millisecond)
	if !now.After(p.last) {
		now = p.last.Add(time.Millisecond)
	}
	for {
		if _, err := os.Stat(p.imagePath(now.Format(camera.FileTimeFormat))); err != nil {
			break
		}
		now = now.Add(time.Millisecond)
	}
	p.last = now
	return now
}

// capture takes one still in high resolution mode. The camera is restored
// to motion mode on every path out of the exclusive section.
func (p *Pipeline) capture(ctx context.Context, imgPath string, logger *zap.Logger) error {
	return p.cam.Exclusive(ctx, func(s camera.Session) (err error) {
		defer func() {
			if rerr := s.Configure(camera.LowResMotion); rerr != nil {
				logger.Error("failed to restore motion mode", zap.Error(rerr))
			}
		}()

		if err := s.Configure(camera.HighResStill); err != nil {
			return err
		}
		frame, err := s.Capture()
		if err != nil {
			return err
		}
		defer frame.Close()

		if err := frame.WriteJPEG(imgPath); err != nil {
			return err
		}
		logger.Debug("still saved", zap.String("path", imgPath),
			zap.Int("width", frame.Width()), zap.Int("height", frame.Height()))
		return nil
	})
}

// Flush uploads any retained store and images. It reports whether nothing
// is left to deliver.
func (p *Pipeline) Flush(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flush(ctx, p.logger)
}

// flush uploads the record store first and only then the images, so the
// service never keeps an image without its metadata. Local files are only
// removed after their own upload succeeded.
func (p *Pipeline) flush(ctx context.Context, logger *zap.Logger) bool {
	if p.store.Exists() {
		if err := p.uploader.UploadEvents(ctx, p.store.Path()); err != nil {
			logger.Warn("failed to upload capture records, retaining local files", zap.Error(err))
			p.markRetained(logger)
			return false
		}
		if err := p.store.Remove(); err != nil {
			logger.Error("failed to remove uploaded capture store", zap.Error(err))
		}
	}

	images, err := p.pendingImages()
	if err != nil {
		logger.Error("failed to list retained images", zap.Error(err))
		return false
	}

	ok := true
	for _, img := range images {
		media := mediaName(img)
		if err := p.uploader.UploadMedia(ctx, img); err != nil {
			logger.Warn("failed to upload image, retaining it", zap.String("media", media), zap.Error(err))
			p.setStatus(media, journal.StatusRetained, logger)
			ok = false
			continue
		}
		if err := os.Remove(img); err != nil {
			logger.Error("failed to remove uploaded image", zap.String("media", media), zap.Error(err))
		}
		p.setStatus(media, journal.StatusUploaded, logger)
	}
	return ok
}

func (p *Pipeline) pendingImages() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(p.opt.ImageDir, "*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (p *Pipeline) markRetained(logger *zap.Logger) {
	images, err := p.pendingImages()
	if err != nil {
		return
	}
	for _, img := range images {
		p.setStatus(mediaName(img), journal.StatusRetained, logger)
	}
}

func (p *Pipeline) imagePath(name string) string {
	return filepath.Join(p.opt.ImageDir, name+".jpg")
}

func (p *Pipeline) record(out Outcome, status journal.Status, logger *zap.Logger) {
	if p.journal == nil {
		return
	}
	err := p.journal.Insert(journal.Entry{
		ID:          out.ID,
		TakenAt:     out.Record.Time,
		Trigger:     out.Trigger.Kind.String(),
		Media:       out.Record.Media,
		Temperature: out.Record.Temperature,
		Humidity:    out.Record.Humidity,
		SensorValid: out.Sample.Valid,
		Regions:     len(out.Trigger.Regions),
		Status:      status,
	})
	if err != nil {
		logger.Warn("failed to journal capture", zap.Error(err))
	}
}

func (p *Pipeline) setStatus(media string, status journal.Status, logger *zap.Logger) {
	if p.journal == nil {
		return
	}
	if err := p.journal.SetStatus(media, status); err != nil {
		logger.Warn("failed to update journal", zap.String("media", media), zap.Error(err))
	}
}

func (p *Pipeline) notify(out Outcome) {
	for _, fn := range p.observers {
		fn(out)
	}
}

func mediaName(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
