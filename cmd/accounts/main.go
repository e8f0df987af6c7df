// Package main provides the account management CLI tool.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/poemonsense/codeassist-gateway/internal/clock"
	"github.com/poemonsense/codeassist-gateway/internal/config"
	apierr "github.com/poemonsense/codeassist-gateway/internal/errors"
	"github.com/poemonsense/codeassist-gateway/internal/store"
	"github.com/poemonsense/codeassist-gateway/internal/token"
	"github.com/poemonsense/codeassist-gateway/internal/upstream"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

func main() {
	var (
		configPath string
		dbPath     string
	)
	flag.StringVar(&configPath, "config", "config.json", "Path to JSON config file")
	flag.StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "list"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fail("Failed to open database: %v", err)
	}
	defer st.Close()

	httpClient, err := upstream.NewHTTPClient(cfg)
	if err != nil {
		fail("Failed to build HTTP client: %v", err)
	}
	tokens := token.NewManager(st, cfg, clock.System(), httpClient)

	switch command {
	case "list":
		listAccounts(st)
	case "add":
		addAccount(st, tokens)
	case "remove":
		removeAccount(st)
	case "verify":
		verifyAccounts(st, tokens)
	case "add-key":
		addKey(st)
	case "list-keys":
		listKeys(st)
	default:
		fmt.Printf("Unknown command %q\n\n", command)
		fmt.Println("Usage: accounts [flags] <list|add|remove|verify|add-key|list-keys>")
		os.Exit(2)
	}
}

func fail(format string, args ...interface{}) {
	utils.Error(format, args...)
	os.Exit(1)
}

func listAccounts(st *store.Store) {
	accounts, err := st.ListAccounts()
	if err != nil {
		fail("Failed to list accounts: %v", err)
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts configured. Run 'accounts add' to add one.")
		return
	}
	fmt.Printf("%-5s %-30s %-25s %-15s %-10s %s\n", "ID", "EMAIL", "PROJECT", "TIER", "STATUS", "ERRORS")
	for _, a := range accounts {
		fmt.Printf("%-5d %-30s %-25s %-15s %-10s %d\n",
			a.ID, utils.MaskEmail(a.Email), a.ProjectID, a.Tier, a.Status, a.ErrorCount)
	}
}

func addAccount(st *store.Store, tokens *token.Manager) {
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Print("Email (optional, discovered automatically if empty): ")
	scanner.Scan()
	email := strings.TrimSpace(scanner.Text())

	fmt.Print("Refresh token: ")
	scanner.Scan()
	refreshToken := strings.TrimSpace(scanner.Text())
	if refreshToken == "" {
		fail("Refresh token must not be empty")
	}

	account, err := st.CreateAccount(email, refreshToken)
	if err != nil {
		fail("Failed to create account: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	utils.Info("Initializing account %d (refreshing token, discovering project)...", account.ID)
	initialized, err := tokens.InitializeAccount(ctx, account.ID)
	if err != nil {
		if apierr.IsDuplicateAccount(err) {
			fail("Account already registered: %v", err)
		}
		fail("Failed to initialize account: %v", err)
	}

	utils.Success("Account %d ready: email=%s project=%s tier=%s",
		initialized.ID, utils.MaskEmail(initialized.Email), initialized.ProjectID, initialized.Tier)
}

func removeAccount(st *store.Store) {
	idArg := flag.Arg(1)
	if idArg == "" {
		fail("Usage: accounts remove <id>")
	}
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		fail("Invalid account id %q", idArg)
	}
	if err := st.DeleteAccount(id); err != nil {
		fail("Failed to delete account: %v", err)
	}
	utils.Success("Account %d removed", id)
}

func verifyAccounts(st *store.Store, tokens *token.Manager) {
	accounts, err := st.ListAccounts()
	if err != nil {
		fail("Failed to list accounts: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ok, failed := 0, 0
	for _, a := range accounts {
		if _, err := tokens.ForceRefresh(ctx, a.ID); err != nil {
			failed++
			utils.Error("Account %d (%s): %v", a.ID, utils.MaskEmail(a.Email), err)
			continue
		}
		ok++
		utils.Success("Account %d (%s): token OK", a.ID, utils.MaskEmail(a.Email))
	}
	fmt.Printf("\n%d verified, %d failed\n", ok, failed)
}

func addKey(st *store.Store) {
	name := flag.Arg(1)
	key, err := st.CreateAPIKey(name)
	if err != nil {
		fail("Failed to create API key: %v", err)
	}
	utils.Success("Created API key %d", key.ID)
	fmt.Printf("\n  %s\n\nStore it now; it is shown in full only here and in 'list-keys'.\n", key.Key)
}

func listKeys(st *store.Store) {
	keys, err := st.ListAPIKeys()
	if err != nil {
		fail("Failed to list API keys: %v", err)
	}
	if len(keys) == 0 {
		fmt.Println("No API keys. Run 'accounts add-key [name]' to create one.")
		return
	}
	fmt.Printf("%-5s %-40s %-20s %s\n", "ID", "KEY", "NAME", "ENABLED")
	for _, k := range keys {
		fmt.Printf("%-5d %-40s %-20s %v\n", k.ID, k.Key, k.Name, k.Enabled)
	}
}
