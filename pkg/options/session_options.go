package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

const (
	DevicePolicyReplace = "replace"
	DevicePolicyReject  = "reject"
)

var _ IOptions = (*SessionOptions)(nil)

// SessionOptions tunes device and observer connections.
type SessionOptions struct {
	AuthTimeout time.Duration `json:"auth-timeout" mapstructure:"auth-timeout"`
	IdleTimeout time.Duration `json:"idle-timeout" mapstructure:"idle-timeout"`
	OutboxSize  int           `json:"outbox-size" mapstructure:"outbox-size"`

	// DevicePolicy decides what happens when a device id connects twice: "replace" closes the older session, "reject" refuses the newer one.
	DevicePolicy string `json:"device-policy" mapstructure:"device-policy"`
}

func NewSessionOptions() *SessionOptions {
	return &SessionOptions{
		AuthTimeout:  30 * time.Second,
		IdleTimeout:  300 * time.Second,
		OutboxSize:   64,
		DevicePolicy: DevicePolicyReplace,
	}
}

func (o *SessionOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.AuthTimeout <= 0 {
		errors = append(errors, fmt.Errorf("--session.auth-timeout must be positive"))
	}
	if o.IdleTimeout < 0 {
		errors = append(errors, fmt.Errorf("--session.idle-timeout must not be negative"))
	}
	if o.OutboxSize <= 0 {
		errors = append(errors, fmt.Errorf("--session.outbox-size must be positive"))
	}
	if o.DevicePolicy != DevicePolicyReplace && o.DevicePolicy != DevicePolicyReject {
		errors = append(errors, fmt.Errorf("--session.device-policy must be %q or %q, got %q", DevicePolicyReplace, DevicePolicyReject, o.DevicePolicy))
	}

	return errors
}

func (o *SessionOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.AuthTimeout, "session.auth-timeout", o.AuthTimeout, "How long a device may take to authenticate.")
	fs.DurationVar(&o.IdleTimeout, "session.idle-timeout", o.IdleTimeout, "Close connections that send nothing for this long. Zero disables.")
	fs.IntVar(&o.OutboxSize, "session.outbox-size", o.OutboxSize, "Frames buffered per connection before backpressure or eviction.")
	fs.StringVar(&o.DevicePolicy, "session.device-policy", o.DevicePolicy, "What to do when a device id connects twice: replace or reject.")
}
