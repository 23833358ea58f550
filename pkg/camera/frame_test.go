package camera

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gocv "gocv.io/x/gocv"
)

func TestWriteJPEG(t *testing.T) {
	frame := &Frame{
		Mat:       gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 48, 64, gocv.MatTypeCV8UC3),
		Timestamp: time.Now(),
		Mode:      HighResStill,
	}
	defer frame.Close()

	path := filepath.Join(t.TempDir(), frame.Timestamp.Format(FileTimeFormat)+".jpg")
	if err := frame.WriteJPEG(path); err != nil {
		t.Fatalf("WriteJPEG failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("image not written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("image is empty")
	}
}

func TestWriteJPEGRejectsEmptyFrame(t *testing.T) {
	frame := &Frame{Mat: gocv.NewMat()}
	defer frame.Close()

	if err := frame.WriteJPEG(filepath.Join(t.TempDir(), "x.jpg")); err == nil {
		t.Error("expected error for empty frame")
	}
}

func TestModeString(t *testing.T) {
	if LowResMotion.String() != "low-res-motion" || HighResStill.String() != "high-res-still" || ModeUnknown.String() != "unknown" {
		t.Error("unexpected mode names")
	}
}
