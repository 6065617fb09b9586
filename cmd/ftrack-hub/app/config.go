package app

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autopeer-io/fleettrack/cmd/ftrack-hub/app/options"
)

// secretKeys are masked when the configuration is printed.
var secretKeys = map[string]bool{
	"mqtt.password": true,
	"store.dsn":     true,
}

func newConfigCommand(v *viper.Viper, opts *options.HubOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "configuration is invalid: %v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), configTable(v, opts))
			return nil
		},
	}
}

func configTable(v *viper.Viper, opts *options.HubOptions) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true

	mode := "production"
	if opts.CredentialOptions.Testing() {
		mode = "testing"
	}
	table.AddRow("KEY", "VALUE")
	table.AddRow("credential.mode", mode)
	if f := v.ConfigFileUsed(); f != "" {
		table.AddRow("config-file", f)
	}

	keys := v.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		if key == "config" || strings.HasPrefix(key, "seed") {
			continue
		}
		value := fmt.Sprint(v.Get(key))
		if secretKeys[key] && value != "" {
			value = "******"
		}
		table.AddRow(key, value)
	}

	for _, w := range opts.CredentialOptions.Warnings() {
		table.AddRow("warning", w)
	}
	return table
}

// changedBesidesLog reports whether next differs from cur in anything but the log section.
func changedBesidesLog(cur, next *options.HubOptions) bool {
	a, b := *cur, *next
	a.Log, b.Log = nil, nil
	return !reflect.DeepEqual(a, b)
}
