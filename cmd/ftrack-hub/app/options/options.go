package options

import (
	"fmt"
	"strings"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/fleettrack/internal/trackhub"
	"github.com/autopeer-io/fleettrack/internal/trackhub/storage/memory"
	"github.com/autopeer-io/fleettrack/pkg/log"
	"github.com/autopeer-io/fleettrack/pkg/options"
)

type HubOptions struct {
	HttpOptions       *options.HttpOptions       `json:"http" mapstructure:"http"`
	StoreOptions      *options.StoreOptions      `json:"store" mapstructure:"store"`
	CredentialOptions *options.CredentialOptions `json:"credential" mapstructure:"credential"`
	DetectionOptions  *options.DetectionOptions  `json:"detection" mapstructure:"detection"`
	SessionOptions    *options.SessionOptions    `json:"session" mapstructure:"session"`
	MqttOptions       *options.MqttOptions       `json:"mqtt" mapstructure:"mqtt"`
	Log               *log.Options               `json:"log" mapstructure:"log"`

	// Seed has no flags; it can only be set in the config file.
	Seed *memory.Seed `json:"seed,omitempty" mapstructure:"seed"`
}

func NewHubOptions() *HubOptions {
	return &HubOptions{
		HttpOptions:       options.NewHttpOptions(),
		StoreOptions:      options.NewStoreOptions(),
		CredentialOptions: options.NewCredentialOptions(),
		DetectionOptions:  options.NewDetectionOptions(),
		SessionOptions:    options.NewSessionOptions(),
		MqttOptions:       options.NewMqttOptions(),
		Log:               log.NewOptions(),
	}
}

func (o *HubOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.StoreOptions.AddFlags(fss.FlagSet("store"))
	o.CredentialOptions.AddFlags(fss.FlagSet("credential"))
	o.DetectionOptions.AddFlags(fss.FlagSet("detection"))
	o.SessionOptions.AddFlags(fss.FlagSet("session"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

// Complete normalizes values that may arrive in mixed case or with stray separators from files or the environment.
func (o *HubOptions) Complete() error {
	o.StoreOptions.Driver = strings.ToLower(strings.TrimSpace(o.StoreOptions.Driver))
	o.SessionOptions.DevicePolicy = strings.ToLower(strings.TrimSpace(o.SessionOptions.DevicePolicy))
	o.Log.Level = strings.ToLower(o.Log.Level)
	o.MqttOptions.TopicRoot = strings.TrimRight(o.MqttOptions.TopicRoot, "/")
	return nil
}

func (o *HubOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.StoreOptions.Validate()...)
	errs = append(errs, o.CredentialOptions.Validate()...)
	errs = append(errs, o.DetectionOptions.Validate()...)
	errs = append(errs, o.SessionOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	if o.Seed != nil && o.StoreOptions.Driver != options.StoreDriverMemory {
		errs = append(errs, fmt.Errorf("seed requires store driver %q, got %q", options.StoreDriverMemory, o.StoreOptions.Driver))
	}
	return utilerrors.NewAggregate(errs)
}

func (o *HubOptions) Config() (*trackhub.Config, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	return &trackhub.Config{
		HttpOptions:       o.HttpOptions,
		StoreOptions:      o.StoreOptions,
		CredentialOptions: o.CredentialOptions,
		DetectionOptions:  o.DetectionOptions,
		SessionOptions:    o.SessionOptions,
		MqttOptions:       o.MqttOptions,
		Seed:              o.Seed,
	}, nil
}
