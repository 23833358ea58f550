package pipeline

import (
	"time"

	motion "github.com/mpoegel/camtrap/pkg/motion"
)

type Kind int

const (
	KindMotion Kind = iota
	KindExternal
)

func (k Kind) String() string {
	if k == KindMotion {
		return "motion"
	}
	return "external"
}

// Trigger asks for one capture. Regions is only set for KindMotion.
type Trigger struct {
	Kind    Kind
	Regions []motion.Region
	Source  string
}

func MotionTrigger(regions []motion.Region) Trigger {
	return Trigger{Kind: KindMotion, Regions: regions, Source: "motion"}
}

func ExternalTrigger(source string) Trigger {
	return Trigger{Kind: KindExternal, Source: source}
}

// Fields flattens an outcome for the control, notification and web feeds.
func (o Outcome) Fields() map[string]any {
	return map[string]any{
		"id":           o.ID,
		"trigger":      o.Trigger.Kind.String(),
		"source":       o.Trigger.Source,
		"time":         o.Record.Time.UTC().Format(time.RFC3339Nano),
		"media":        o.Record.Media,
		"temperature":  o.Record.Temperature,
		"humidity":     o.Record.Humidity,
		"sensor_valid": o.Sample.Valid,
		"regions":      len(o.Trigger.Regions),
		"skipped":      o.Skipped,
		"captured":     o.Captured,
		"uploaded":     o.Uploaded,
		"retained":     o.Retained,
	}
}
