package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/allaspectsdev/llmrelay/internal/config"
	"github.com/allaspectsdev/llmrelay/internal/vault"
)

func cmdKeys(args []string) {
	path, args := configFlag(args)
	if len(args) == 0 {
		fail("usage: llmrelay keys <list|set|get|delete> [name]")
	}

	v := vault.New()

	switch args[0] {
	case "list":
		names := keyNames(path)
		found, err := v.List(names)
		if err != nil {
			fail("error listing keys: %v", err)
		}
		if len(found) == 0 {
			fmt.Println("No API keys stored")
			return
		}
		for _, name := range found {
			fmt.Printf("  %s: ****\n", name)
		}

	case "set":
		name := keyArg(args, "set")
		key, err := readSecret(fmt.Sprintf("Enter API key for %s: ", name))
		if err != nil {
			fail("error reading key: %v", err)
		}
		if key == "" {
			fail("empty key; nothing stored")
		}
		if err := v.Set(name, key); err != nil {
			fail("error storing key: %v", err)
		}
		fmt.Printf("Key for %s stored (reference it as keyring://%s/%s)\n", name, vault.ServiceName, name)

	case "get":
		name := keyArg(args, "get")
		key, err := v.Get(name)
		if err != nil {
			fail("%v", err)
		}
		if hasFlag(args[2:], "--reveal") {
			fmt.Println(key)
			return
		}
		fmt.Printf("%s: %s\n", name, mask(key))

	case "delete":
		name := keyArg(args, "delete")
		if err := v.Delete(name); err != nil {
			fail("error deleting key: %v", err)
		}
		fmt.Printf("Key for %s deleted\n", name)

	default:
		fail("unknown keys command: %s", args[0])
	}
}

func keyArg(args []string, sub string) string {
	if len(args) < 2 {
		fail("usage: llmrelay keys %s <name>", sub)
	}
	return strings.ToLower(args[1])
}

// readSecret prompts without echo on a terminal and reads one line from
// piped stdin otherwise.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print(prompt)
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// keyNames collects the keychain names referenced by configured providers,
// plus every provider id, so list can report env fallbacks too.
func keyNames(path string) []string {
	cfg, err := config.Load(path)
	if err != nil {
		fail("error loading config: %v", err)
	}
	seen := make(map[string]bool)
	prefix := "keyring://" + vault.ServiceName + "/"
	for _, p := range cfg.Providers {
		if name, ok := strings.CutPrefix(p.KeyRef, prefix); ok && name != "" {
			seen[name] = true
		}
		seen[p.ID] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
