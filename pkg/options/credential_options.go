package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*CredentialOptions)(nil)

// CredentialOptions controls device credential lifetime and rotation.
type CredentialOptions struct {
	// TTL is the lifetime of credentials issued on rotation.
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`

	// RotationThreshold rotates once the active credential expires within this window.
	RotationThreshold time.Duration `json:"rotation-threshold" mapstructure:"rotation-threshold"`

	// RotationCheckInterval is how often each connected device is checked.
	RotationCheckInterval time.Duration `json:"rotation-check-interval" mapstructure:"rotation-check-interval"`

	// GracePeriodDays is announced to devices with a rotated secret.
	GracePeriodDays int `json:"grace-period-days" mapstructure:"grace-period-days"`

	RotationAckTimeout time.Duration `json:"rotation-ack-timeout" mapstructure:"rotation-ack-timeout"`

	// ReapInterval is how often dead credentials are deleted.
	ReapInterval time.Duration `json:"reap-interval" mapstructure:"reap-interval"`

	// Retention keeps revoked and expired credentials this long before the reaper deletes them.
	Retention time.Duration `json:"retention" mapstructure:"retention"`
}

func NewCredentialOptions() *CredentialOptions {
	return &CredentialOptions{
		TTL:                   30 * 24 * time.Hour,
		RotationThreshold:     7 * 24 * time.Hour,
		RotationCheckInterval: time.Hour,
		GracePeriodDays:       7,
		RotationAckTimeout:    30 * time.Second,
		ReapInterval:          24 * time.Hour,
		Retention:             30 * 24 * time.Hour,
	}
}

func (o *CredentialOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.RotationThreshold <= 0 {
		errors = append(errors, fmt.Errorf("--credential.rotation-threshold must be positive"))
	}
	if o.TTL <= o.RotationThreshold {
		errors = append(errors, fmt.Errorf("--credential.ttl (%s) must be greater than --credential.rotation-threshold (%s)", o.TTL, o.RotationThreshold))
	}
	if o.RotationCheckInterval <= 0 {
		errors = append(errors, fmt.Errorf("--credential.rotation-check-interval must be positive"))
	}
	if o.GracePeriodDays < 0 {
		errors = append(errors, fmt.Errorf("--credential.grace-period-days must not be negative"))
	}
	if o.RotationAckTimeout <= 0 {
		errors = append(errors, fmt.Errorf("--credential.rotation-ack-timeout must be positive"))
	}
	if o.ReapInterval <= 0 || o.Retention <= 0 {
		errors = append(errors, fmt.Errorf("--credential.reap-interval and --credential.retention must be positive"))
	}

	return errors
}

// Warnings reports settings that are valid but unlikely to be intended.
func (o *CredentialOptions) Warnings() []string {
	var warnings []string
	if o.RotationThreshold > 0 && float64(o.TTL) < 1.5*float64(o.RotationThreshold) {
		warnings = append(warnings, fmt.Sprintf("credential ttl %s is close to the rotation threshold %s; it should be at least 1.5x larger", o.TTL, o.RotationThreshold))
	}
	if o.RotationCheckInterval >= o.RotationThreshold && o.RotationThreshold > 0 {
		warnings = append(warnings, fmt.Sprintf("rotation check interval %s is not shorter than the rotation threshold %s; credentials may expire unrotated", o.RotationCheckInterval, o.RotationThreshold))
	}
	return warnings
}

// Testing reports whether the TTL is short enough that this is a test setup rather than production.
func (o *CredentialOptions) Testing() bool {
	return o.TTL < 24*time.Hour
}

func (o *CredentialOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.TTL, "credential.ttl", o.TTL, "Lifetime of credentials issued on rotation.")
	fs.DurationVar(&o.RotationThreshold, "credential.rotation-threshold", o.RotationThreshold, "Rotate once the active credential expires within this window.")
	fs.DurationVar(&o.RotationCheckInterval, "credential.rotation-check-interval", o.RotationCheckInterval, "How often connected devices are checked for rotation.")
	fs.IntVar(&o.GracePeriodDays, "credential.grace-period-days", o.GracePeriodDays, "Grace period announced to devices with a rotated secret.")
	fs.DurationVar(&o.RotationAckTimeout, "credential.rotation-ack-timeout", o.RotationAckTimeout, "How long to wait for a device to acknowledge a rotation.")
	fs.DurationVar(&o.ReapInterval, "credential.reap-interval", o.ReapInterval, "How often revoked and expired credentials are deleted.")
	fs.DurationVar(&o.Retention, "credential.retention", o.Retention, "How long revoked and expired credentials are kept.")
}
