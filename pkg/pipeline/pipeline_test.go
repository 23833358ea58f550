package pipeline

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	camera "github.com/mpoegel/camtrap/pkg/camera"
	environ "github.com/mpoegel/camtrap/pkg/environ"
	journal "github.com/mpoegel/camtrap/pkg/journal"
	motion "github.com/mpoegel/camtrap/pkg/motion"
	store "github.com/mpoegel/camtrap/pkg/store"
	zaptest "go.uber.org/zap/zaptest"
	gocv "gocv.io/x/gocv"
)

type fakeSession struct {
	cam *fakeCamera
}

func (s *fakeSession) Mode() camera.Mode { return s.cam.mode }

func (s *fakeSession) Configure(m camera.Mode) error {
	s.cam.modes = append(s.cam.modes, m)
	if m == camera.HighResStill && s.cam.failConfigure {
		s.cam.mode = camera.ModeUnknown
		return camera.ErrConfigureFailed
	}
	s.cam.mode = m
	return nil
}

func (s *fakeSession) Capture() (*camera.Frame, error) {
	if s.cam.failCapture {
		return nil, camera.ErrCaptureFailed
	}
	return &camera.Frame{
		Mat:       gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3),
		Timestamp: time.Now(),
		Mode:      s.cam.mode,
	}, nil
}

type fakeCamera struct {
	mu            sync.Mutex
	mode          camera.Mode
	modes         []camera.Mode
	failConfigure bool
	failCapture   bool
}

func (c *fakeCamera) Exclusive(ctx context.Context, fn func(camera.Session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(&fakeSession{cam: c})
}

type fakeEnv struct {
	sample environ.Sample
}

func (e fakeEnv) Read() environ.Sample { return e.sample }

type fakeUploader struct {
	mu        sync.Mutex
	failEvent bool
	failMedia map[string]bool
	events    []string
	media     []string
}

func (u *fakeUploader) UploadEvents(ctx context.Context, path string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failEvent {
		return errors.New("status 500")
	}
	data, _ := os.ReadFile(path)
	u.events = append(u.events, string(data))
	return nil
}

func (u *fakeUploader) UploadMedia(ctx context.Context, path string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failMedia[filepath.Base(path)] {
		return errors.New("status 502")
	}
	u.media = append(u.media, filepath.Base(path))
	return nil
}

type fakeJournal struct {
	entries  []journal.Entry
	statuses map[string]journal.Status
}

func (j *fakeJournal) Insert(e journal.Entry) error {
	j.entries = append(j.entries, e)
	return nil
}

func (j *fakeJournal) SetStatus(media string, status journal.Status) error {
	if j.statuses == nil {
		j.statuses = make(map[string]journal.Status)
	}
	j.statuses[media] = status
	return nil
}

type fixture struct {
	p    *Pipeline
	cam  *fakeCamera
	up   *fakeUploader
	st   *store.Store
	jr   *fakeJournal
	dir  string
	when time.Time
}

func newFixture(t *testing.T, sample environ.Sample) *fixture {
	t.Helper()
	dir := t.TempDir()
	imgDir := filepath.Join(dir, "images")
	if err := os.Mkdir(imgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		cam:  &fakeCamera{mode: camera.LowResMotion},
		up:   &fakeUploader{failMedia: map[string]bool{}},
		st:   store.New(filepath.Join(dir, "data.csv")),
		jr:   &fakeJournal{},
		dir:  imgDir,
		when: time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC),
	}
	f.p = New(f.cam, fakeEnv{sample}, f.st, f.up, Options{ImageDir: imgDir}, zaptest.NewLogger(t)).WithJournal(f.jr)
	f.p.now = func() time.Time { return f.when }
	return f
}

func (f *fixture) images(t *testing.T) []string {
	t.Helper()
	m, _ := filepath.Glob(filepath.Join(f.dir, "*.jpg"))
	return m
}

func TestHandleMotionUploadsAndCleansUp(t *testing.T) {
	f := newFixture(t, environ.Sample{Temperature: 21.5, Humidity: 40, Valid: true})
	regions := []motion.Region{
		{Bounds: image.Rect(10, 10, 20, 20), Contour: []image.Point{{10, 10}, {19, 10}, {19, 19}, {10, 19}}},
	}

	out := f.p.Handle(context.Background(), MotionTrigger(regions))
	if !out.Captured || !out.Stored || !out.Uploaded || out.Retained {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Record.Media != "2024-05-01_14-00-00.000" {
		t.Errorf("expected media name from capture time, got %q", out.Record.Media)
	}
	if out.Record.Temperature != 21.5 || out.Record.Humidity != 40 {
		t.Errorf("expected sensor values in record, got %+v", out.Record)
	}
	if out.Record.Contour == "" {
		t.Error("expected contour for motion trigger")
	}
	if len(f.up.events) != 1 || len(f.up.media) != 1 || f.up.media[0] != "2024-05-01_14-00-00.000.jpg" {
		t.Errorf("unexpected uploads: events=%d media=%v", len(f.up.events), f.up.media)
	}
	if f.st.Exists() {
		t.Error("expected store removed after upload")
	}
	if imgs := f.images(t); len(imgs) != 0 {
		t.Errorf("expected images removed, got %v", imgs)
	}

	want := []camera.Mode{camera.HighResStill, camera.LowResMotion}
	if len(f.cam.modes) != 2 || f.cam.modes[0] != want[0] || f.cam.modes[1] != want[1] {
		t.Errorf("expected modes %v, got %v", want, f.cam.modes)
	}
	if f.jr.statuses["2024-05-01_14-00-00.000"] != journal.StatusUploaded {
		t.Errorf("expected journal to record upload, got %v", f.jr.statuses)
	}
}

func TestHandleExternalHasNoContour(t *testing.T) {
	f := newFixture(t, environ.Sample{Temperature: 10, Humidity: 90, Valid: true})
	f.up.failEvent = true

	out := f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	if out.Record.Contour != "" {
		t.Errorf("expected empty contour, got %q", out.Record.Contour)
	}
	recs, err := f.st.Records()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Contour != "" || recs[0].Media == "" {
		t.Errorf("unexpected stored records: %+v", recs)
	}
	if len(f.jr.entries) != 1 || f.jr.entries[0].Trigger != "external" {
		t.Errorf("unexpected journal entries: %+v", f.jr.entries)
	}
}

func TestHandleSensorAbsentWritesZeros(t *testing.T) {
	f := newFixture(t, environ.Sample{})
	f.up.failEvent = true

	out := f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	if out.Record.Temperature != 0 || out.Record.Humidity != 0 {
		t.Errorf("expected 0/0 sentinel, got %+v", out.Record)
	}
	if f.jr.entries[0].SensorValid {
		t.Error("expected journal to flag invalid sensor reading")
	}
}

func TestHandleEventUploadFailureRetainsEverything(t *testing.T) {
	f := newFixture(t, environ.Sample{Valid: true})
	f.up.failEvent = true

	out := f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	if out.Uploaded || !out.Retained {
		t.Fatalf("expected retained outcome, got %+v", out)
	}
	if !f.st.Exists() {
		t.Error("expected store kept after failed upload")
	}
	if imgs := f.images(t); len(imgs) != 1 {
		t.Errorf("expected image kept, got %v", imgs)
	}
	if len(f.up.media) != 0 {
		t.Errorf("expected no media upload after events failure, got %v", f.up.media)
	}

	// a later flush delivers the backlog
	f.up.failEvent = false
	if !f.p.Flush(context.Background()) {
		t.Fatal("expected flush to succeed")
	}
	if f.st.Exists() || len(f.images(t)) != 0 {
		t.Error("expected backlog cleared after flush")
	}
}

func TestHandleAccumulatesRecordsUntilUpload(t *testing.T) {
	f := newFixture(t, environ.Sample{Valid: true})
	f.up.failEvent = true

	f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	f.when = f.when.Add(time.Minute)
	f.p.Handle(context.Background(), ExternalTrigger("tcp"))

	recs, _ := f.st.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 accumulated records, got %d", len(recs))
	}

	f.up.failEvent = false
	f.when = f.when.Add(time.Minute)
	f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	if len(f.up.events) != 1 {
		t.Fatalf("expected one successful events upload, got %d", len(f.up.events))
	}
	if len(f.up.media) != 3 {
		t.Errorf("expected all 3 images uploaded, got %v", f.up.media)
	}
	if f.up.media[0] != "2024-05-01_14-00-00.000.jpg" {
		t.Errorf("expected oldest image first, got %v", f.up.media)
	}
}

func TestMediaFailureRetainsOnlyThatImage(t *testing.T) {
	f := newFixture(t, environ.Sample{Valid: true})
	f.up.failMedia["2024-05-01_14-00-00.000.jpg"] = true

	out := f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	if out.Uploaded {
		t.Error("expected partial upload to report failure")
	}
	if f.st.Exists() {
		t.Error("expected store removed once events were uploaded")
	}
	if imgs := f.images(t); len(imgs) != 1 {
		t.Errorf("expected failed image kept, got %v", imgs)
	}
	if f.jr.statuses["2024-05-01_14-00-00.000"] != journal.StatusRetained {
		t.Errorf("expected retained status, got %v", f.jr.statuses)
	}
}

func TestCaptureFailureStillRestoresMotionMode(t *testing.T) {
	f := newFixture(t, environ.Sample{Valid: true})
	f.cam.failCapture = true

	out := f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	if out.Captured {
		t.Fatal("expected capture failure")
	}
	if !out.Stored || out.Record.Media != "" {
		t.Errorf("expected record without media, got %+v", out)
	}
	if f.cam.mode != camera.LowResMotion {
		t.Errorf("expected camera restored to %v, got %v", camera.LowResMotion, f.cam.mode)
	}
	if f.jr.entries[0].Status != journal.StatusNoImage {
		t.Errorf("expected %q, got %q", journal.StatusNoImage, f.jr.entries[0].Status)
	}
}

func TestConfigureFailureStillRestoresMotionMode(t *testing.T) {
	f := newFixture(t, environ.Sample{Valid: true})
	f.cam.failConfigure = true

	out := f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	if out.Captured {
		t.Fatal("expected capture failure")
	}
	if f.cam.mode != camera.LowResMotion {
		t.Errorf("expected camera restored, got %v", f.cam.mode)
	}
}

func TestPersistenceFailureSkipsUpload(t *testing.T) {
	f := newFixture(t, environ.Sample{Valid: true})
	// a directory in place of the store file makes every append fail
	if err := os.Mkdir(f.st.Path(), 0o755); err != nil {
		t.Fatal(err)
	}

	out := f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	if out.Stored || out.Uploaded {
		t.Errorf("expected no store and no upload, got %+v", out)
	}
	if len(f.up.events)+len(f.up.media) != 0 {
		t.Error("expected no upload attempts")
	}
	if f.jr.entries[0].Status != journal.StatusFailed || f.jr.entries[0].Media != "" {
		t.Errorf("expected failed journal entry without media, got %+v", f.jr.entries[0])
	}
	if imgs := f.images(t); len(imgs) != 0 {
		t.Errorf("expected unrecorded image discarded, got %v", imgs)
	}

	// once the store is writable again a retry has nothing to send
	if err := os.Remove(f.st.Path()); err != nil {
		t.Fatal(err)
	}
	if !f.p.Flush(context.Background()) {
		t.Error("expected empty flush to succeed")
	}
	if len(f.up.media) != 0 {
		t.Errorf("expected no image uploaded without its record, got %v", f.up.media)
	}
	if len(f.jr.statuses) != 0 {
		t.Errorf("expected journal status untouched, got %v", f.jr.statuses)
	}
}

func TestCapturesInSameSecondGetDistinctImages(t *testing.T) {
	f := newFixture(t, environ.Sample{Valid: true})
	f.up.failEvent = true

	first := f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	second := f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	if first.Record.Media == second.Record.Media {
		t.Fatalf("expected distinct media names, both are %q", first.Record.Media)
	}
	if first.Record.Media != "2024-05-01_14-00-00.000" || second.Record.Media != "2024-05-01_14-00-00.001" {
		t.Errorf("unexpected media names %q, %q", first.Record.Media, second.Record.Media)
	}
	if imgs := f.images(t); len(imgs) != 2 {
		t.Errorf("expected two images on disk, got %v", imgs)
	}
	recs, _ := f.st.Records()
	if len(recs) != 2 || recs[0].Media == recs[1].Media {
		t.Errorf("expected two records with distinct media, got %+v", recs)
	}
}

func TestHandleSkipsAfterShutdown(t *testing.T) {
	f := newFixture(t, environ.Sample{Valid: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.p.Handle(ctx, ExternalTrigger("tcp"))
	if !out.Skipped {
		t.Error("expected skipped outcome")
	}
	if len(f.cam.modes) != 0 {
		t.Error("expected camera untouched")
	}
}

func TestOnCaptureObservers(t *testing.T) {
	f := newFixture(t, environ.Sample{Valid: true})
	var got []Outcome
	f.p.OnCapture(func(o Outcome) { got = append(got, o) })

	f.p.Handle(context.Background(), ExternalTrigger("tcp"))
	if len(got) != 1 || got[0].ID == "" {
		t.Errorf("expected one observed outcome with id, got %+v", got)
	}
}

func TestOutcomeFields(t *testing.T) {
	f := newFixture(t, environ.Sample{Temperature: 3.5, Humidity: 80, Valid: true})
	out := f.p.Handle(context.Background(), ExternalTrigger("10.0.0.7:5555"))

	fields := out.Fields()
	if fields["trigger"] != "external" || fields["source"] != "10.0.0.7:5555" {
		t.Errorf("unexpected trigger fields: %v", fields)
	}
	if fields["time"] != "2024-05-01T14:00:00Z" {
		t.Errorf("unexpected time: %v", fields["time"])
	}
	if fields["temperature"] != 3.5 || fields["captured"] != true {
		t.Errorf("unexpected fields: %v", fields)
	}
}
