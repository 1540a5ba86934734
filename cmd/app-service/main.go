// Package main provides the app-service binary entry point.
// App-service hosts functions pipelines fed by a configurable trigger
// (message bus, external MQTT, or HTTP) with store-and-forward retry
// for failed exports.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgewire/appfn/service"
	"github.com/edgewire/appfn/transforms"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "app-service"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app-service",
		Short: "Functions pipeline service",
		Long: `App-service runs functions pipelines against messages from a
configurable trigger.

It provides:
- Pipelines built in code or from the configuration file
- Message bus (NATS), external MQTT, and HTTP triggers
- Store-and-forward retry for failed exports

Service options (-cd, -cf, -p, -sk, -r, -d, ...) are handled by the
service itself; run with -h to list them.`,
		// The service owns its flag set, so cobra must hand the raw
		// arguments through.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(args []string) error {
	printBanner()

	svc := service.New(appName, Version)
	if err := svc.Initialize(args); err != nil {
		return err
	}

	// When the configuration file did not define any pipelines, fall
	// back to a small default built from ApplicationSettings.
	if len(svc.Runtime().PipelineIDs()) == 0 {
		if err := addSettingsPipeline(svc); err != nil {
			return err
		}
	}

	return svc.Run()
}

// addSettingsPipeline registers a default pipeline that filters by the
// deviceNames application setting (all devices when unset) and echoes
// the event back as the response.
func addSettingsPipeline(svc *service.Service) error {
	var deviceNames []string
	if settings := svc.ApplicationSettings(); settings != nil {
		deviceNames = splitSetting(settings["deviceNames"])
	}

	filter := transforms.NewFilter(deviceNames)
	respond := transforms.ResponseData{}

	return svc.SetDefaultFunctionsPipeline(
		filter.ByDeviceName,
		respond.Set,
	)
}

func splitSetting(csv string) []string {
	var out []string
	for _, v := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║           App-Service v" + Version + "                  ║")
	fmt.Println("║        Functions Pipeline Service             ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
