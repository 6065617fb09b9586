package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions contains configuration items related to HTTP server startup.
type HttpOptions struct {
	// Network with server network.
	Network string `json:"network" mapstructure:"network"`

	// Address with server address.
	Addr string `json:"addr" mapstructure:"addr"`

	// Timeout bounds reading request headers and whole API requests. It does not apply to websocket sessions.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// ShutdownTimeout is how long in-flight API requests get to finish on shutdown.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`

	// WriteTimeout bounds writing one websocket frame.
	WriteTimeout time.Duration `json:"write-timeout" mapstructure:"write-timeout"`

	// MaxFrameBytes is the largest websocket frame accepted from a client.
	MaxFrameBytes int64 `json:"max-frame-bytes" mapstructure:"max-frame-bytes"`

	// AllowedOrigins restricts browser origins for websocket upgrades and CORS. Empty allows any origin.
	AllowedOrigins []string `json:"allowed-origins" mapstructure:"allowed-origins"`
}

// NewHttpOptions creates a HttpOptions object with default parameters.
func NewHttpOptions() *HttpOptions {
	return &HttpOptions{
		Network:         "tcp",
		Addr:            "0.0.0.0:8000",
		Timeout:         30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxFrameBytes:   64 << 10,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *HttpOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if err := ValidateAddress(o.Addr); err != nil {
		errors = append(errors, err)
	}
	if o.WriteTimeout <= 0 {
		errors = append(errors, fmt.Errorf("--http.write-timeout must be positive"))
	}
	if o.MaxFrameBytes < 512 {
		errors = append(errors, fmt.Errorf("--http.max-frame-bytes must be at least 512, got %d", o.MaxFrameBytes))
	}

	return errors
}

// AddFlags adds flags related to the HTTP server to the specified FlagSet.
func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Network, "http.network", o.Network, "Specify the network for the HTTP server.")
	fs.StringVar(&o.Addr, "http.addr", o.Addr, "Specify the HTTP server bind address and port.")
	fs.DurationVar(&o.Timeout, "http.timeout", o.Timeout, "Timeout for API requests.")
	fs.DurationVar(&o.ShutdownTimeout, "http.shutdown-timeout", o.ShutdownTimeout, "Grace period for in-flight requests on shutdown.")
	fs.DurationVar(&o.WriteTimeout, "http.write-timeout", o.WriteTimeout, "Timeout for writing one websocket frame.")
	fs.Int64Var(&o.MaxFrameBytes, "http.max-frame-bytes", o.MaxFrameBytes, "Largest websocket frame accepted from clients.")
	fs.StringSliceVar(&o.AllowedOrigins, "http.allowed-origins", o.AllowedOrigins, "Browser origins allowed to connect. Empty allows any.")
}
