package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/llmrelay/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "keys":
		cmdKeys(os.Args[2:])
	case "probe":
		cmdProbe(os.Args[2:])
	case "models":
		cmdModels()
	case "init-config":
		cmdInitConfig()
	case "export-config":
		cmdExportConfig(os.Args[2:])
	case "service":
		cmdService(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: llmrelay <command> [options]

Commands:
  start            Start the relay daemon
  stop             Stop the running daemon
  status           Show daemon status and summary stats
  keys             Manage upstream API keys (list|set|get|delete <name>)
  probe            Probe a provider through the running daemon
  models           List configured models and their bindings
  init-config      Generate a starter config file
  export-config    Export the effective config to a TOML file
  service          Install or remove the user service (install|uninstall)
  version          Print version information
  help             Show this help message

Options:
  --config <path>  Config file to load (all commands that read config)
  --foreground     Run in foreground (with 'start')
  --reveal         Print the full key (with 'keys get')`)
}
