package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DetectionOptions)(nil)

// DetectionOptions holds the anomaly thresholds. They are read at startup only.
type DetectionOptions struct {
	RouteDeviationMeters float64       `json:"route-deviation-meters" mapstructure:"route-deviation-meters"`
	SpeedLimit           float64       `json:"speed-limit" mapstructure:"speed-limit"`
	StopSpeed            float64       `json:"stop-speed" mapstructure:"stop-speed"`
	StopDuration         time.Duration `json:"stop-duration" mapstructure:"stop-duration"`
}

func NewDetectionOptions() *DetectionOptions {
	return &DetectionOptions{
		RouteDeviationMeters: 200,
		SpeedLimit:           22.22,
		StopSpeed:            1.5,
		StopDuration:         120 * time.Second,
	}
}

func (o *DetectionOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.RouteDeviationMeters <= 0 {
		errors = append(errors, fmt.Errorf("--detection.route-deviation-meters must be positive"))
	}
	if o.SpeedLimit <= 0 {
		errors = append(errors, fmt.Errorf("--detection.speed-limit must be positive"))
	}
	if o.StopSpeed < 0 {
		errors = append(errors, fmt.Errorf("--detection.stop-speed must not be negative"))
	}
	if o.StopSpeed >= o.SpeedLimit {
		errors = append(errors, fmt.Errorf("--detection.stop-speed (%.2f) must be below --detection.speed-limit (%.2f)", o.StopSpeed, o.SpeedLimit))
	}
	if o.StopDuration <= 0 {
		errors = append(errors, fmt.Errorf("--detection.stop-duration must be positive"))
	}

	return errors
}

func (o *DetectionOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.Float64Var(&o.RouteDeviationMeters, "detection.route-deviation-meters", o.RouteDeviationMeters, "Distance from the assigned route that raises OUT_OF_ROUTE.")
	fs.Float64Var(&o.SpeedLimit, "detection.speed-limit", o.SpeedLimit, "Speed in m/s above which OVERSPEED is raised.")
	fs.Float64Var(&o.StopSpeed, "detection.stop-speed", o.StopSpeed, "Speed in m/s at or below which a unit counts as stopped.")
	fs.DurationVar(&o.StopDuration, "detection.stop-duration", o.StopDuration, "Stop length that raises PROLONGED_STOP.")
}
