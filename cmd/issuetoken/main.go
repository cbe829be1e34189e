// Command issuetoken prints a signed session token for local development.
//
//	issuetoken -user alice [-create -name "Alice"] [-ttl 2h]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"rendezvous/internal/app"
	"rendezvous/internal/auth"
	"rendezvous/internal/config"
	"rendezvous/pkg/types"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("issuetoken", flag.ContinueOnError)
	userID := fs.String("user", "", "user id to issue the token for")
	name := fs.String("name", "", "display name used with -create")
	create := fs.Bool("create", false, "create the user if missing")
	ttl := fs.Duration("ttl", 0, "token lifetime (default: auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !types.IsValidUserID(*userID) {
		return errors.New("-user must be a valid user id")
	}

	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("RENDEZVOUS_CONFIG_FILE"))
	if err != nil {
		return err
	}

	if *create {
		if err := ensureUser(cfg, *userID, *name); err != nil {
			return err
		}
	}

	token, exp, err := auth.Issue(auth.Options{
		Secret: []byte(cfg.Auth.JWTSecret),
		Alg:    cfg.Auth.JWTAlgorithm,
		TTL:    cfg.Auth.TokenTTL,
	}, *userID, *ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	return nil
}

func ensureUser(cfg *config.Config, userID, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	defer cancel()

	store, err := app.OpenStore(ctx, cfg.Database, nil)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if _, err := store.GetUser(ctx, userID); err == nil {
		return nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if name == "" {
		name = userID
	}
	return store.CreateUser(ctx, &types.User{ID: userID, DisplayName: name})
}
