// Command probe is a peripheral diagnostic CLI (SPEC_FULL.md §4.13): with
// no argument it enumerates which transports this build supports and
// reports which initialize on the current host; given an address it binds
// a listener there, dumps a diagnostics snapshot, and exits.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"

	"github.com/oriys/corerpc/internal/diagnostics"
	"github.com/oriys/corerpc/internal/logging"
	"github.com/oriys/corerpc/internal/metrics"
	"github.com/oriys/corerpc/internal/transport"
)

var yamlOut bool

func main() {
	root := &cobra.Command{
		Use:   "probe [address]",
		Short: "Enumerate or test corerpc transports",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return enumerate()
			}
			return probeAddress(args[0])
		},
	}
	root.Flags().BoolVar(&yamlOut, "yaml", false, "also write a YAML diagnostics dump")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// candidateTransports is the set of mercury.address schemes this build
// knows how to bind, per SPEC_FULL.md §1's concrete transport binding.
var candidateTransports = []struct {
	name string
	addr string
}{
	{"grpc", "grpc://127.0.0.1:0"},
	{"vsock", "vsock://1:0"},
}

func enumerate() error {
	for _, c := range candidateTransports {
		tr := transport.New(nil)
		errCh := make(chan error, 1)
		go func() { errCh <- tr.Serve(c.addr) }()

		select {
		case err := <-errCh:
			fmt.Printf("%-6s unavailable: %v\n", c.name, err)
		case <-time.After(200 * time.Millisecond):
			fmt.Printf("%-6s available\n", c.name)
			tr.Stop()
		}
	}
	return nil
}

func probeAddress(addr string) error {
	logging.SetLevel(slog.LevelDebug)
	logFile, err := os.CreateTemp("", "corerpc-probe-*.log")
	if err != nil {
		return fmt.Errorf("probe: create log file: %w", err)
	}
	defer logFile.Close()
	fileLog := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logging.Op().Info("probing address", "addr", addr, "log_file", logFile.Name())
	fileLog.Info("probing address", "addr", addr)

	tr := transport.New(nil)
	errCh := make(chan error, 1)
	go func() { errCh <- tr.Serve(addr) }()

	select {
	case err := <-errCh:
		fileLog.Error("serve failed", "addr", addr, "error", err)
		return fmt.Errorf("probe: serve %s: %w", addr, err)
	case <-time.After(200 * time.Millisecond):
		fileLog.Debug("listener bound", "addr", addr)
	}
	defer tr.Stop()

	snap := diagnostics.Snapshot{
		Timestamp: time.Now(),
		Metrics:   metrics.New().Snapshot(),
		Pools:     map[string]diagnostics.PoolOccupancy{},
	}

	jsonFile, err := os.CreateTemp("", "corerpc-probe-*.json")
	if err != nil {
		return fmt.Errorf("probe: create json dump: %w", err)
	}
	defer jsonFile.Close()
	if err := json.NewEncoder(jsonFile).Encode(snap); err != nil {
		return fmt.Errorf("probe: write json dump: %w", err)
	}
	fmt.Println("wrote", jsonFile.Name())
	fileLog.Info("wrote json dump", "path", jsonFile.Name())

	if yamlOut {
		yamlFile, err := os.CreateTemp("", "corerpc-probe-*.yaml")
		if err != nil {
			return fmt.Errorf("probe: create yaml dump: %w", err)
		}
		defer yamlFile.Close()
		if err := yaml.NewEncoder(yamlFile).Encode(snap); err != nil {
			return fmt.Errorf("probe: write yaml dump: %w", err)
		}
		fmt.Println("wrote", yamlFile.Name())
		fileLog.Info("wrote yaml dump", "path", yamlFile.Name())
	}
	return nil
}
