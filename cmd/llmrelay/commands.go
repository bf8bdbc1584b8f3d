package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/allaspectsdev/llmrelay/internal/config"
	"github.com/allaspectsdev/llmrelay/internal/daemon"
)

// configFlag removes "--config <path>" from args and returns the path.
func configFlag(args []string) (string, []string) {
	var path string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			path = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			path = strings.TrimPrefix(args[i], "--config=")
		default:
			rest = append(rest, args[i])
		}
	}
	return path, rest
}

func hasFlag(args []string, names ...string) bool {
	for _, a := range args {
		for _, n := range names {
			if a == n {
				return true
			}
		}
	}
	return false
}

func mustLoad(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func cmdStart(args []string) {
	path, args := configFlag(args)
	cfg := mustLoad(path)

	if err := daemon.Run(cfg, hasFlag(args, "--foreground", "-f")); err != nil {
		fail("error: %v", err)
	}
}

func cmdStop() {
	path, _ := configFlag(os.Args[2:])
	mustLoad(path)
	if err := daemon.Stop(); err != nil {
		fail("error stopping daemon: %v", err)
	}
	fmt.Println("llmrelay stopped")
}

func cmdStatus() {
	path, _ := configFlag(os.Args[2:])
	mustLoad(path)
	if err := daemon.Status(); err != nil {
		fail("%v", err)
	}
}

func cmdProbe(args []string) {
	path, args := configFlag(args)
	if len(args) == 0 {
		fail("usage: llmrelay probe <provider>")
	}
	mustLoad(path)
	if err := daemon.Probe(args[0]); err != nil {
		fail("probe failed: %v", err)
	}
}

// cmdModels prints the configured models and their bindings. It reads the
// config file only; no daemon is needed.
func cmdModels() {
	path, _ := configFlag(os.Args[2:])
	cfg := mustLoad(path)

	if len(cfg.Models) == 0 {
		fmt.Println("No models configured")
		return
	}
	snap := cfg.Snapshot()
	byModel := make(map[string][]string)
	for _, b := range snap.Bindings {
		entry := fmt.Sprintf("%s -> %s (weight %d", b.ProviderID, b.ProviderModel, b.Weight)
		var caps []string
		if b.Capabilities.ToolCall {
			caps = append(caps, "tools")
		}
		if b.Capabilities.StructuredOutput {
			caps = append(caps, "structured")
		}
		if b.Capabilities.ImageInput {
			caps = append(caps, "images")
		}
		if len(caps) > 0 {
			entry += ", " + strings.Join(caps, "+")
		}
		if !b.Enabled {
			entry += ", disabled"
		}
		byModel[b.ModelName] = append(byModel[b.ModelName], entry+")")
	}

	models := snap.Models
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	for _, m := range models {
		state := ""
		if !m.Enabled {
			state = " [disabled]"
		}
		fmt.Printf("%s%s\n", m.Name, state)
		for _, b := range byModel[m.Name] {
			fmt.Printf("  %s\n", b)
		}
	}
}

func cmdInitConfig() {
	path, err := config.InitConfig()
	if err != nil {
		fail("error generating config: %v", err)
	}
	fmt.Printf("Config written to %s\n", path)
}

func cmdExportConfig(args []string) {
	path, args := configFlag(args)
	out := "llmrelay-export.toml"
	if len(args) > 0 {
		out = args[0]
	}
	mustLoad(path)
	if err := config.ExportConfig(out); err != nil {
		fail("error exporting config: %v", err)
	}
	fmt.Printf("Config exported to %s\n", out)
}

func cmdService(args []string) {
	path, args := configFlag(args)
	if len(args) == 0 {
		fail("usage: llmrelay service <install|uninstall>")
	}
	switch args[0] {
	case "install":
		cfg := mustLoad(path)
		if err := daemon.InstallService(cfg.Server.DataDir); err != nil {
			fail("error installing service: %v", err)
		}
	case "uninstall":
		if err := daemon.UninstallService(); err != nil {
			fail("error removing service: %v", err)
		}
	default:
		fail("unknown service command: %s", args[0])
	}
}
