package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/klog/v2"

	"github.com/autopeer-io/fleettrack/cmd/ftrack-hub/app/options"
	"github.com/autopeer-io/fleettrack/pkg/log"
)

const (
	commandName = "ftrack-hub"
	commandDesc = `The Fleettrack Hub accepts websocket connections from vehicle trackers and
dashboard observers. It authenticates devices, rotates their credentials, persists
position samples, detects route deviation, overspeed and prolonged stops, and fans
updates out to subscribed observers.

Settings are read, lowest precedence first, from defaults, the --config file,
FTRACK_* environment variables (FTRACK_HTTP_ADDR for --http.addr) and flags.`

	envPrefix = "FTRACK"
)

// NewHubCommand creates the root command. ctx is cancelled on SIGTERM or SIGINT.
func NewHubCommand(ctx context.Context) *cobra.Command {
	opts := options.NewHubOptions()
	v := newViper()
	var configFile string

	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "Launch a Fleettrack hub server",
		Long:         commandDesc,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v, cmd, configFile, opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(ctx, v, opts)
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVarP(&configFile, "config", "c", "", "Path to a YAML, JSON or TOML config file. Changes to log.level are applied live.")
	namedfs := opts.Flags()
	for _, f := range namedfs.FlagSets {
		fs.AddFlagSet(f)
	}
	cliflag.SetUsageAndHelpFunc(cmd, namedfs, 80)

	cmd.AddCommand(newConfigCommand(v, opts))
	return cmd
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig merges the config file, the environment and the flags into opts.
func loadConfig(v *viper.Viper, cmd *cobra.Command, configFile string, opts *options.HubOptions) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return opts.Complete()
}

func run(ctx context.Context, v *viper.Viper, opts *options.HubOptions) error {
	log.Init(opts.Log)
	klog.SetLogger(log.Std().Logr().WithName("klog"))

	cfg, err := opts.Config()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	for _, w := range opts.CredentialOptions.Warnings() {
		log.Warn("Suspicious credential settings", "warning", w)
	}
	if opts.CredentialOptions.Testing() {
		log.Warn("Credential TTL is below one day, running in testing mode", "ttl", opts.CredentialOptions.TTL)
	}

	if v.ConfigFileUsed() != "" {
		watchConfig(v, opts)
	}

	server, err := cfg.NewHubServer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create hub server: %w", err)
	}

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "Hub exited with error")
		return err
	}
	return nil
}

// watchConfig applies log level changes without a restart. Anything else needs one.
func watchConfig(v *viper.Viper, opts *options.HubOptions) {
	v.OnConfigChange(func(e fsnotify.Event) {
		next := options.NewHubOptions()
		if err := v.Unmarshal(next); err != nil {
			log.Error(err, "Ignoring unreadable config change", "file", e.Name)
			return
		}
		_ = next.Complete()

		if next.Log.Level != opts.Log.Level {
			log.SetLevel(next.Log.Level)
			opts.Log.Level = next.Log.Level
			log.Info("Log level changed", "level", log.Level())
		}
		if changedBesidesLog(opts, next) {
			log.Warn("Config file changed; restart the hub to apply settings other than log.level", "file", e.Name)
		}
	})
	v.WatchConfig()
	log.Info("Watching config file", "file", v.ConfigFileUsed())
}
