// Command rtcfgctl is the operator-facing counterpart to rtcfgd: it talks
// directly to the configured storage backend (not the HTTP API) to manage
// admin credentials, mirroring slcli's direct-to-database CLI shape.
//
// Usage:
//
//	rtcfgctl update_user <username> <password>   - set an admin credential
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	app "github.com/coreflux/rtcfgd/internal/app"
	"github.com/coreflux/rtcfgd/internal/app/domain/authuser"
	"github.com/coreflux/rtcfgd/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "update_user":
		cmdUpdateUser(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println(`rtcfgctl - Realtime Config admin credential tool

Usage:
  rtcfgctl update_user <username> <password>   Set an admin credential

Environment Variables (same as rtcfgd):
  STORE_TYPE, CONFIG_STORE_DIRECTORY, REDIS_URL, MONGODB_URL, DATABASE_URL`)
}

func cmdUpdateUser(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: rtcfgctl update_user <username> <password>")
		os.Exit(2)
	}
	username, password := args[0], args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()
	application, err := app.New(ctx, nil, app.WithRuntimeConfig(app.RuntimeConfig{
		StoreType:            cfg.Store.StoreType,
		ConfigStoreDirectory: cfg.Store.ConfigStoreDirectory,
		RedisURL:             cfg.Store.RedisURL,
		MongoDBURL:           cfg.Store.MongoDBURL,
		DatabaseURL:          cfg.Store.DatabaseURL,
		MaxConnection:        cfg.Store.MaxConnection,
		NotifyChannel:        cfg.Store.NotifyChannel,
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: initialise backend: %v\n", err)
		os.Exit(2)
	}
	defer application.Stop(ctx)

	users := application.Backend.Users()
	existing, ok, err := users.Get(ctx, username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: look up user: %v\n", err)
		os.Exit(2)
	}

	now := time.Now().UTC()
	var user authuser.User
	if ok {
		user, err = existing.UpdatePassword(password, now)
	} else {
		user, err = authuser.NewUser(username, password, now)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: hash password: %v\n", err)
		os.Exit(2)
	}

	if err := users.Put(ctx, user); err != nil {
		fmt.Fprintf(os.Stderr, "Error: save user: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Updated credentials for %s\n", username)
	fmt.Printf("Token: %s\n", user.Token)
}
