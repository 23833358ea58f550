package camera

import "fmt"

type Mode int

const (
	ModeUnknown Mode = iota
	LowResMotion
	HighResStill
)

func (m Mode) String() string {
	switch m {
	case LowResMotion:
		return "low-res-motion"
	case HighResStill:
		return "high-res-still"
	default:
		return "unknown"
	}
}

// Settings is what a Device needs to enter a mode.
type Settings struct {
	Width  int
	Height int
}

func (s Settings) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

type Modes map[Mode]Settings

func DefaultModes() Modes {
	return Modes{
		LowResMotion: {Width: 640, Height: 480},
		HighResStill: {Width: 2560, Height: 1440},
	}
}
