// Command omikuji runs the price-oracle daemon and provides a small key
// management surface over the configured Key Provider backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/omikuji-oracle/omikuji/internal/config"
	"github.com/omikuji-oracle/omikuji/internal/keyprovider"
	"github.com/omikuji-oracle/omikuji/internal/logging"
	"github.com/omikuji-oracle/omikuji/internal/supervisor"
)

// buildVersion is overridden at link time via -ldflags.
var buildVersion = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches to the root subcommand and returns the process exit
// code: 0 success, 1 configuration/runtime error, 2 usage error.
func run(args []string) int {
	if len(args) == 0 {
		return runDaemon(args)
	}
	switch args[0] {
	case "key":
		return runKey(args[1:])
	case "-h", "--help", "help":
		printRootUsage()
		return 0
	case "-V", "--version", "version":
		fmt.Println("omikuji " + buildVersion)
		return 0
	default:
		return runDaemon(args)
	}
}

func printRootUsage() {
	fmt.Println(`omikuji — EVM price-oracle daemon

Usage:
  omikuji [run] [-c <path>] [-p <env-var>] [-V] [-h]
  omikuji key import|export|remove|list|migrate [--network N] [--file F] [--service S]

Flags:
  -c    Config file path (default ./config.yaml, then ~/.omikuji/config.yaml)
  -p    Legacy private-key env var name (default OMIKUJI_PRIVATE_KEY)
  -V    Print version and exit
  -h    Print this help and exit`)
}

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("omikuji run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("c", "", "config file path")
	legacyKeyEnv := fs.String("p", "OMIKUJI_PRIVATE_KEY", "legacy private-key env var")
	showVersion := fs.Bool("V", false, "print version and exit")
	showHelp := fs.Bool("h", false, "print help and exit")

	rest := args
	if len(rest) > 0 && rest[0] == "run" {
		rest = rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		printRootUsage()
		return 2
	}
	if *showHelp {
		printRootUsage()
		return 0
	}
	if *showVersion {
		fmt.Println("omikuji " + buildVersion)
		return 0
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	applyLegacyKeyEnv(cfg, *legacyKeyEnv)

	log := logging.NewFromEnv("omikuji")
	log.WithField("config", path).Info("starting omikuji")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := supervisor.Run(ctx, cfg, log); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// resolveConfigPath honors an explicit -c flag, else tries ./config.yaml,
// else ~/.omikuji/config.yaml.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	home, err := os.UserHomeDir()
	if err == nil {
		candidate := filepath.Join(home, ".omikuji", "config.yaml")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}
	return "", errors.New("no config file found (tried ./config.yaml and ~/.omikuji/config.yaml); pass -c explicitly")
}

// applyLegacyKeyEnv backfills the single-network env backend prefix when
// the operator still uses the legacy OMIKUJI_PRIVATE_KEY variable and
// key_storage is left at the env backend with the default OMIKUJI prefix,
// which is what config.Load fills in when no key_storage is configured.
func applyLegacyKeyEnv(cfg *config.Config, envVar string) {
	if cfg.KeyStorage.Backend != "env" || cfg.KeyStorage.Prefix != "OMIKUJI" {
		return
	}
	if _, ok := os.LookupEnv(envVar); !ok {
		return
	}
	cfg.KeyStorage.Backend = "env"
	cfg.KeyStorage.Prefix = envVar
}

// ---------------------------------------------------------------------
// key subcommand

func runKey(args []string) int {
	if len(args) == 0 {
		printKeyUsage()
		return 2
	}

	fs := flag.NewFlagSet("omikuji key "+args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var network, file, service, from, to string
	fs.StringVar(&network, "network", "", "network name")
	fs.StringVar(&file, "file", "", "key material file path")
	fs.StringVar(&service, "service", "", "keyring service name override")
	fs.StringVar(&from, "from", "", "source backend (migrate only)")
	fs.StringVar(&to, "to", "", "destination backend (migrate only)")
	if err := fs.Parse(args[1:]); err != nil {
		printKeyUsage()
		return 2
	}

	cfg, err := keyCommandConfig(service)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}

	switch args[0] {
	case "import":
		return keyImport(cfg, network, file)
	case "export":
		return keyExport(cfg, network, file)
	case "remove":
		return keyRemove(cfg, network)
	case "list":
		return keyList(cfg)
	case "migrate":
		return keyMigrate(cfg, from, to, network)
	default:
		printKeyUsage()
		return 2
	}
}

func printKeyUsage() {
	fmt.Println(`Usage:
  omikuji key import --network <name> --file <path>
  omikuji key export --network <name> [--file <path>]
  omikuji key remove --network <name>
  omikuji key list
  omikuji key migrate --from <backend> --to <backend> --network <name>`)
}

// keyCommandConfig builds the KeyStorage config the key subcommand acts
// on, honoring an explicit --service override for the keyring backend.
func keyCommandConfig(service string) (config.KeyStorage, error) {
	path, err := resolveConfigPath("")
	if err == nil {
		cfg, loadErr := config.Load(path)
		if loadErr == nil {
			if service != "" {
				cfg.KeyStorage.Keyring = &config.KeyringConfig{Service: service}
				cfg.KeyStorage.Backend = "keyring"
			}
			return cfg.KeyStorage, nil
		}
	}
	ks := config.KeyStorage{Backend: "env"}
	if service != "" {
		ks.Backend = "keyring"
		ks.Keyring = &config.KeyringConfig{Service: service}
	}
	return ks, nil
}

func keyImport(ks config.KeyStorage, network, file string) int {
	if network == "" || file == "" {
		fmt.Fprintln(os.Stderr, "Error: --network and --file are required")
		return 2
	}
	backend, err := keyprovider.NewBackend(ks)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	key := strings.TrimSpace(string(raw))
	if err := backend.Store(context.Background(), network, key); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	fmt.Printf("imported key for network %q\n", network)
	return 0
}

func keyExport(ks config.KeyStorage, network, file string) int {
	if network == "" {
		fmt.Fprintln(os.Stderr, "Error: --network is required")
		return 2
	}
	backend, err := keyprovider.NewBackend(ks)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	key, err := backend.Get(context.Background(), network)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	if file != "" {
		if err := os.WriteFile(file, []byte(key+"\n"), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return 1
		}
		fmt.Printf("exported key for network %q to %s\n", network, file)
		return 0
	}
	fmt.Println(key)
	return 0
}

func keyRemove(ks config.KeyStorage, network string) int {
	if network == "" {
		fmt.Fprintln(os.Stderr, "Error: --network is required")
		return 2
	}
	backend, err := keyprovider.NewBackend(ks)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	if err := backend.Remove(context.Background(), network); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	fmt.Printf("removed key for network %q\n", network)
	return 0
}

func keyList(ks config.KeyStorage) int {
	backend, err := keyprovider.NewBackend(ks)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	networks, err := backend.List(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	if len(networks) == 0 {
		fmt.Println("(no networks configured)")
		return 0
	}
	for _, n := range networks {
		fmt.Println(n)
	}
	return 0
}

// keyMigrate copies one network's key from the --from backend to the
// --to backend and leaves the source untouched; the operator removes it
// explicitly once satisfied the destination is correct.
func keyMigrate(ks config.KeyStorage, from, to, network string) int {
	if from == "" || to == "" || network == "" {
		fmt.Fprintln(os.Stderr, "Error: --from, --to, and --network are required")
		return 2
	}
	srcCfg := ks
	srcCfg.Backend = from
	dstCfg := ks
	dstCfg.Backend = to

	src, err := keyprovider.NewBackend(srcCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	dst, err := keyprovider.NewBackend(dstCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}

	ctx := context.Background()
	key, err := src.Get(ctx, network)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	if err := dst.Store(ctx, network, key); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	fmt.Printf("migrated key for network %q from %s to %s\n", network, from, to)
	return 0
}
