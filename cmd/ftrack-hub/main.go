package main

import (
	"os"

	_ "go.uber.org/automaxprocs"
	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/fleettrack/cmd/ftrack-hub/app"
)

func main() {
	ctx := genericapiserver.SetupSignalContext()
	if err := app.NewHubCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}
