package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"takserver/internal/config"
	"takserver/internal/domain"
	"takserver/internal/infra/auth/basic"
	"takserver/internal/infra/db"
)

func runAccountCreate(args []string) int {
	fs := flag.NewFlagSet("account create", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var username string
	var password string
	var admin bool
	fs.StringVar(&username, "username", "", "account username")
	fs.StringVar(&password, "password", "", "account password")
	fs.BoolVar(&admin, "admin", false, "grant the administrator role")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "account create requires --username and --password")
		return 1
	}

	ctx := context.Background()
	store, err := db.NewStore(config.FromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	var roles []string
	if admin {
		roles = []string{domain.RoleAdministrator}
	}
	created, err := basic.NewAuthenticator(store.Accounts).EnsureAccount(ctx, username, password, roles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create account: %v\n", err)
		return 1
	}
	if !created {
		fmt.Fprintf(os.Stderr, "account %q already exists\n", username)
		return 1
	}
	fmt.Printf("created account %s\n", username)
	return 0
}
