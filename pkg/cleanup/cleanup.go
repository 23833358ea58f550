// Package cleanup prunes retained images that were never uploaded.
package cleanup

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	camera "github.com/mpoegel/camtrap/pkg/camera"
	zap "go.uber.org/zap"
)

type Options struct {
	ImageDir  string
	OlderThan time.Duration
}

// Prune deletes every *.jpg in the image directory whose timestamped name
// is older than the retention window. A zero window disables pruning.
// Files with other names are left alone.
func Prune(opt Options, now time.Time, logger *zap.Logger) (int, error) {
	if opt.OlderThan <= 0 {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(opt.ImageDir, "*.jpg"))
	if err != nil {
		return 0, err
	}

	cutoffTime := now.Add(-1 * opt.OlderThan)
	removed := 0
	for _, match := range matches {
		logger.Debug("found file", zap.String("file", match))
		name := strings.TrimSuffix(filepath.Base(match), ".jpg")
		ts, err := time.ParseInLocation(camera.FileTimeFormat, name, now.Location())
		if err != nil {
			logger.Warn("file name does not match expected format", zap.String("file", match), zap.Error(err))
			continue
		}
		if !cutoffTime.After(ts) {
			continue
		}
		if err := os.Remove(match); err != nil {
			logger.Error("failed to remove file", zap.String("file", match), zap.Error(err))
			continue
		}
		logger.Info("file removed", zap.String("file", match))
		removed++
	}
	return removed, nil
}
