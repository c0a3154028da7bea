package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/migadu/contactdir/config"
	"github.com/migadu/contactdir/directory"
	"github.com/migadu/contactdir/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "translate":
		handleTranslate()
	case "search":
		handleSearch()
	case "get":
		handleGet()
	case "check-config":
		handleCheckConfig()
	case "fields":
		handleFields()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`contactdir Admin Tool

Usage:
  contactdir-admin <command> [options]

Commands:
  translate      Translate a search term to an LDAP filter without contacting the directory
  search         Run a search term against the directory
  get            Fetch one contact by uid
  check-config   Load and validate a configuration file
  fields         List contact fields and their directory attributes
  help           Show this help message

Examples:
  contactdir-admin translate --term '{"and":[{"field":"display_name","op":"gte","value":"M"},{"field":"display_name","op":"lt","value":"S"}]}'
  contactdir-admin search --term-file query.json --sort display_name --limit 20
  contactdir-admin get --uid 3f1c0e2a --format vcard
  contactdir-admin check-config --config /etc/contactdir/config.toml

Use 'contactdir-admin <command> --help' for more information about a command.
`)
}

func handleTranslate() {
	fs := flag.NewFlagSet("translate", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	term := fs.String("term", "", "Search term as JSON")
	termFile := fs.String("term-file", "", "File holding the search term as JSON, - for stdin")

	fs.Usage = func() {
		fmt.Printf(`Translate a search term to an LDAP filter

Usage:
  contactdir-admin translate [options]

Options:
  --term string        Search term as JSON
  --term-file string   File holding the search term as JSON, - for stdin
  --config string      Path to TOML configuration file (default: config.toml)
`)
	}
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	raw, err := readTerm(*term, *termFile, os.Stdin)
	if err != nil {
		fmt.Printf("Error: %v\n\n", err)
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath)
	provider := mustProvider(cfg)

	if err := runTranslate(os.Stdout, provider, raw); err != nil {
		log.Fatalf("Failed to translate search term: %v", err)
	}
}

func handleSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	term := fs.String("term", "", "Search term as JSON (omit to list every contact)")
	termFile := fs.String("term-file", "", "File holding the search term as JSON, - for stdin")
	sortField := fs.String("sort", "", "Field to sort by")
	order := fs.String("order", "asc", "Sort order: asc or desc")
	limit := fs.Int("limit", 0, "Maximum number of contacts (0 for the configured default)")
	format := fs.String("format", "table", "Output format: table, json or vcard")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall timeout")

	fs.Usage = func() {
		fmt.Printf(`Run a search term against the directory

Usage:
  contactdir-admin search [options]

Options:
  --term string        Search term as JSON (omit to list every contact)
  --term-file string   File holding the search term as JSON, - for stdin
  --sort string        Field to sort by
  --order string       Sort order: asc or desc (default: asc)
  --limit int          Maximum number of contacts (default: configured limit)
  --format string      Output format: table, json or vcard (default: table)
  --timeout duration   Overall timeout (default: 30s)
  --config string      Path to TOML configuration file (default: config.toml)
`)
	}
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	var raw []byte
	if *term != "" || *termFile != "" {
		var err error
		if raw, err = readTerm(*term, *termFile, os.Stdin); err != nil {
			fmt.Printf("Error: %v\n\n", err)
			fs.Usage()
			os.Exit(1)
		}
	}

	opts, err := searchOptions(*sortField, *order, *limit)
	if err != nil {
		fmt.Printf("Error: %v\n\n", err)
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath)
	provider := mustProvider(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := runSearch(ctx, os.Stdout, provider, raw, opts, *format); err != nil {
		log.Fatalf("Search failed: %v", err)
	}
}

func handleGet() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	uid := fs.String("uid", "", "Contact uid (required)")
	format := fs.String("format", "json", "Output format: json or vcard")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall timeout")

	fs.Usage = func() {
		fmt.Printf(`Fetch one contact by uid

Usage:
  contactdir-admin get [options]

Options:
  --uid string         Contact uid (required)
  --format string      Output format: json or vcard (default: json)
  --timeout duration   Overall timeout (default: 30s)
  --config string      Path to TOML configuration file (default: config.toml)
`)
	}
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *uid == "" {
		fmt.Printf("Error: --uid is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath)
	provider := mustProvider(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := provider.Get(ctx, *uid)
	if err != nil {
		log.Fatalf("Failed to get contact: %v", err)
	}
	if err := writeContacts(os.Stdout, c, *format); err != nil {
		log.Fatalf("Failed to write contact: %v", err)
	}
}

func handleCheckConfig() {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		log.Fatalf("FATAL: error loading configuration file '%s': %v", *configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration %s is invalid:\n%v\n", *configPath, err)
		os.Exit(1)
	}
	fmt.Printf("Configuration %s is valid\n", *configPath)
	printMapping(os.Stdout, cfg.Mapping)
}

func handleFields() {
	fs := flag.NewFlagSet("fields", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)
	printMapping(os.Stdout, cfg.Mapping)
}

func loadAdminConfig(fs *flag.FlagSet, configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet(fs, "config") {
				log.Fatalf("ERROR: specified configuration file '%s' not found: %v", configPath, err)
			}
			log.Printf("WARNING: default configuration file '%s' not found. Using defaults.", configPath)
		} else {
			log.Fatalf("FATAL: error parsing configuration file '%s': %v", configPath, err)
		}
	}

	// Admin output stays readable; provider warnings still reach stderr.
	cfg.Logging.Output = "stderr"
	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		log.Printf("WARNING: failed to initialize logger: %v", err)
	}
	return cfg
}

func mustProvider(cfg config.Config) *directory.Provider {
	provider, err := directory.New(cfg.Directory, cfg.Mapping, directory.WithSearchConfig(cfg.Search))
	if err != nil {
		log.Fatalf("Failed to create directory provider: %v", err)
	}
	return provider
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
