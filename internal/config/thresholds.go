package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// ThresholdLevel is a warning/critical pair for one metric.
type ThresholdLevel struct {
	Warning  float64
	Critical float64
}

// Thresholds is the alert threshold table. Usage metrics alert above the
// levels, availability alerts below them.
type Thresholds struct {
	CPU               ThresholdLevel
	Memory            ThresholdLevel
	Disk              ThresholdLevel
	Availability      ThresholdLevel
	SuppressionWindow time.Duration
}

// DefaultThresholds returns the built-in threshold table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPU:          ThresholdLevel{Warning: 80, Critical: 95},
		Memory:       ThresholdLevel{Warning: 85, Critical: 95},
		Disk:         ThresholdLevel{Warning: 90, Critical: 95},
		Availability: ThresholdLevel{Warning: 99, Critical: 95},
	}
}

type thresholdsFile struct {
	SuppressionWindow string           `hcl:"suppression_window,optional"`
	Thresholds        []thresholdBlock `hcl:"threshold,block"`
}

type thresholdBlock struct {
	Metric   string   `hcl:"metric,label"`
	Warning  *float64 `hcl:"warning,optional"`
	Critical *float64 `hcl:"critical,optional"`
}

// LoadThresholds returns the default table overridden by the HCL file at path.
// An empty path returns the defaults with the given suppression window.
//
//	suppression_window = "5m"
//	threshold "cpu" {
//	  warning  = 75
//	  critical = 90
//	}
func LoadThresholds(path string, suppression time.Duration) (Thresholds, error) {
	t := DefaultThresholds()
	t.SuppressionWindow = suppression
	if path == "" {
		return t, nil
	}

	var f thresholdsFile
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return t, fmt.Errorf("decode thresholds file: %w", err)
	}
	if err := f.apply(&t); err != nil {
		return t, fmt.Errorf("thresholds file %s: %w", path, err)
	}
	return t, nil
}

func (f *thresholdsFile) apply(t *Thresholds) error {
	if f.SuppressionWindow != "" {
		d, err := time.ParseDuration(f.SuppressionWindow)
		if err != nil {
			return fmt.Errorf("suppression_window: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("suppression_window must not be negative")
		}
		t.SuppressionWindow = d
	}
	for _, b := range f.Thresholds {
		var lvl *ThresholdLevel
		switch b.Metric {
		case "cpu":
			lvl = &t.CPU
		case "memory":
			lvl = &t.Memory
		case "disk":
			lvl = &t.Disk
		case "availability":
			lvl = &t.Availability
		default:
			return fmt.Errorf("unknown threshold metric %q", b.Metric)
		}
		if b.Warning != nil {
			lvl.Warning = *b.Warning
		}
		if b.Critical != nil {
			lvl.Critical = *b.Critical
		}
	}
	return nil
}
