package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/autopeer-io/fleettrack/cmd/ftrack-hub/app/options"
	"github.com/autopeer-io/fleettrack/internal/trackhub/storage/memory"
)

const testConfig = `
http:
  addr: 127.0.0.1:9100
credential:
  ttl: 2h
  rotation-threshold: 30m
log:
  level: debug
seed:
  units:
    - id: U1
      plate: ABC-123
  routes:
    - name: centro
      coordinates: [[-99.13, 19.43], [-99.12, 19.44]]
      units: [U1]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigCommandPrecedence(t *testing.T) {
	path := writeConfig(t, testConfig)
	t.Setenv("FTRACK_SESSION_OUTBOX_SIZE", "128")

	cmd := NewHubCommand(context.Background())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"config", "--config", path, "--http.addr", "127.0.0.1:9200", "--mqtt.password", "hunter2"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"127.0.0.1:9200", // flag beats file
		"credential.mode",
		"testing",
		"******",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "hunter2") {
		t.Errorf("password printed in clear:\n%s", got)
	}
	if !strings.Contains(got, "128") {
		t.Errorf("environment override missing:\n%s", got)
	}
}

func TestLoadConfigDecodesOptions(t *testing.T) {
	path := writeConfig(t, testConfig)
	t.Setenv("FTRACK_SESSION_OUTBOX_SIZE", "128")

	cmd := NewHubCommand(context.Background())
	if err := cmd.ParseFlags([]string{"--store.driver", "memory"}); err != nil {
		t.Fatal(err)
	}

	opts := options.NewHubOptions()
	v := newViper()
	if err := loadConfig(v, cmd, path, opts); err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if opts.HttpOptions.Addr != "127.0.0.1:9100" {
		t.Errorf("http.addr = %q", opts.HttpOptions.Addr)
	}
	if opts.CredentialOptions.TTL != 2*time.Hour || opts.CredentialOptions.RotationThreshold != 30*time.Minute {
		t.Errorf("credential = %+v", opts.CredentialOptions)
	}
	if opts.SessionOptions.OutboxSize != 128 {
		t.Errorf("session.outbox-size = %d, want 128 from env", opts.SessionOptions.OutboxSize)
	}
	if opts.Log.Level != "debug" {
		t.Errorf("log.level = %q", opts.Log.Level)
	}

	wantSeed := &memory.Seed{
		Units: []memory.SeedUnit{{ID: "U1", Plate: "ABC-123"}},
		Routes: []memory.SeedRoute{{
			Name:        "centro",
			Coordinates: [][]float64{{-99.13, 19.43}, {-99.12, 19.44}},
			Units:       []string{"U1"},
		}},
	}
	if diff := cmp.Diff(wantSeed, opts.Seed); diff != "" {
		t.Errorf("seed mismatch (-want +got):\n%s", diff)
	}
	if err := opts.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestChangedBesidesLog(t *testing.T) {
	cur := options.NewHubOptions()

	next := options.NewHubOptions()
	next.Log.Level = "debug"
	if changedBesidesLog(cur, next) {
		t.Error("log-only change reported as other change")
	}

	next.HttpOptions.Addr = "127.0.0.1:1"
	if !changedBesidesLog(cur, next) {
		t.Error("http change not reported")
	}
}
