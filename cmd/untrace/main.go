package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/ongoingai/untrace/internal/version"
)

const defaultConfigPath = "untrace.yaml"

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		return runServe(nil, out, errOut)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintln(out, version.String())
		return 0
	case "serve":
		return runServe(args[1:], out, errOut)
	case "config":
		return runConfig(args[1:], out, errOut)
	case "keys":
		return runKeys(args[1:], out, errOut)
	case "report":
		return runReport(args[1:], out, errOut)
	case "help", "--help", "-h":
		printUsage(out)
		return 0
	default:
		printUsage(errOut)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	if _, _, err := loadAndValidateConfig(*configPath); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  untrace serve [--config path/to/untrace.yaml]")
	fmt.Fprintln(out, "  untrace version")
	fmt.Fprintln(out, "  untrace config validate [--config path/to/untrace.yaml]")
	fmt.Fprintln(out, "  untrace keys create --org ID --project ID --user ID [--name NAME] [--expires-in DURATION] [--format text|json] [--config path/to/untrace.yaml]")
	fmt.Fprintln(out, "  untrace keys list --org ID --project ID [--format text|json] [--config path/to/untrace.yaml]")
	fmt.Fprintln(out, "  untrace keys revoke --org ID --project ID --id KEY_ID [--config path/to/untrace.yaml]")
	fmt.Fprintln(out, "  untrace report deliveries --org ID --project ID [--days N] [--format text|json] [--config path/to/untrace.yaml]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  untrace config validate [--config path/to/untrace.yaml]")
}
