// o2-lambda-extension is an AWS Lambda external extension that
// forwards the runtime's telemetry stream to an OpenObserve ingestion
// endpoint. Packaged as a layer, the binary lives at
// /opt/extensions/o2-lambda-extension; its basename is the extension
// name presented to the Extensions API.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-logr/stdr"
	"github.com/spf13/pflag"

	"github.com/openobserve/openobserve-lambda-extension/config"
	"github.com/openobserve/openobserve-lambda-extension/extension"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	healthCheck := flags.BoolP("health-check", "h", false, "test configuration and OpenObserve connectivity, then exit")
	showVersion := flags.BoolP("version", "v", false, "show version information")
	showHelp := flags.Bool("help", false, "show this help message")
	flags.Usage = func() { printHelp(flags) }

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flags.Usage()

		return 2
	}
	if args := flags.Args(); len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", args[0])
		flags.Usage()

		return 2
	}

	switch {
	case *showHelp:
		printHelp(flags)

		return 0
	case *showVersion:
		fmt.Printf("o2-lambda-extension v%s\n", version)

		return 0
	}

	if v, err := strconv.Atoi(os.Getenv("LOG_LEVEL")); err == nil {
		stdr.SetVerbosity(v)
	}
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags))

	cfg, err := config.Load()
	if err != nil {
		logger.Error(err, "configuration error")

		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if *healthCheck {
		if err := extension.HealthCheck(ctx, cfg, logger); err != nil {
			logger.Error(err, "health check failed")

			return 1
		}
		fmt.Printf("health check passed: OpenObserve is reachable at %s\n", cfg.IngestURL())

		return 0
	}

	if err := extension.Run(ctx, cfg, extension.WithLogger(logger)); err != nil {
		logger.Error(err, "extension failed")

		return 1
	}

	return 0
}

func printHelp(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `o2-lambda-extension v%s
AWS Lambda extension forwarding telemetry to OpenObserve

USAGE:
    o2-lambda-extension [FLAGS]

FLAGS:
%s
ENVIRONMENT VARIABLES:
    Required:
        O2_ORGANIZATION_ID         OpenObserve organization ID
        O2_AUTHORIZATION_HEADER    Authorization header (e.g. "Basic <base64>")

    Optional:
        O2_ENDPOINT                OpenObserve API endpoint (default: https://api.openobserve.ai)
        O2_STREAM                  Log stream name (default: default)
        O2_MAX_BUFFER_SIZE_MB      In-memory buffer budget (default: 10)
        O2_REQUEST_TIMEOUT_MS      Per-attempt HTTP timeout (default: 30000)
        O2_MAX_RETRIES             Retries after the first attempt (default: 3)
        O2_INITIAL_RETRY_DELAY_MS  First backoff delay (default: 1000)
        O2_MAX_RETRY_DELAY_MS      Backoff delay cap (default: 30000)
        LOG_LEVEL                  Numeric log verbosity (default: 0)
`, version, flags.FlagUsages())
}
