package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/anomalyco/patchpilot/internal/config"
	"gopkg.in/yaml.v3"
)

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: patchpilot config <validate|show> [flags]")
		return 1
	}
	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	case "show":
		return runConfigShow(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown config command: %s\n", args[0])
		fmt.Fprintln(errOut, "usage: patchpilot config <validate|show> [flags]")
		return 1
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("patchpilot-config-validate", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", config.DefaultPath, "Path to the config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := config.Load(*configPath); err != nil {
		return reportInvalidConfig(errOut, err)
	}
	fmt.Fprintln(out, "config is valid")
	return 0
}

// runConfigShow prints the effective config with defaults applied.
func runConfigShow(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("patchpilot-config-show", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", config.DefaultPath, "Path to the config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return reportInvalidConfig(errOut, err)
	}
	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func reportInvalidConfig(errOut io.Writer, err error) int {
	fmt.Fprintf(errOut, "config is invalid: %s\n", strings.ReplaceAll(err.Error(), "\n", "; "))
	return 1
}
