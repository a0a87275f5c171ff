// Package window maintains concurrent multi-granularity time-bucket
// aggregates over the metric stream.
package window

import (
	"fmt"
	"time"
)

// Granularity is a fixed bucket width.
type Granularity struct {
	Name     string        `mapstructure:"name" json:"name"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

const (
	Realtime = "realtime"
	Minute   = "minute"
	Hour     = "hour"
	Day      = "day"
)

// DefaultGranularities are used when configuration names none.
var DefaultGranularities = []Granularity{
	{Name: Realtime, Interval: time.Second},
	{Name: Minute, Interval: time.Minute},
	{Name: Hour, Interval: time.Hour},
	{Name: Day, Interval: 24 * time.Hour},
}

func (g Granularity) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("granularity name is required")
	}
	if g.Interval < time.Millisecond {
		return fmt.Errorf("granularity %s: interval must be at least 1ms, got %v", g.Name, g.Interval)
	}
	return nil
}

func (g Granularity) String() string {
	return fmt.Sprintf("%s(%v)", g.Name, g.Interval)
}
