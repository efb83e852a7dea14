// Command bootstrap creates or repairs the master account in the hosted
// identity service. It is run once against a fresh environment; credentials
// come from the environment, never from source.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"yuhak.app/internal/auth"
	"yuhak.app/internal/config"
	"yuhak.app/internal/identity"
)

func main() {
	log.SetFlags(0)

	var (
		email    = flag.String("email", os.Getenv("YUHAK_MASTER_EMAIL"), "master account email")
		password = flag.String("password", os.Getenv("YUHAK_MASTER_PASSWORD"), "master account password")
	)
	flag.Parse()

	if *email == "" || *password == "" {
		log.Fatal("master email and password are required (flags or YUHAK_MASTER_EMAIL/YUHAK_MASTER_PASSWORD)")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	client, err := identity.NewClient(cfg.IdentityURL, cfg.IdentityServiceKey, identity.KindPrivileged, cfg.IdentityTimeout)
	if err != nil {
		log.Fatalf("service identity key: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := client.CreateUser(ctx, identity.CreateUserParams{
		Email:    *email,
		Password: *password,
		Role:     auth.RoleMaster,
	})
	if err != nil {
		var rej *identity.RejectedError
		if errors.As(err, &rej) {
			log.Fatalf("identity service rejected master account: %s", rej.Message)
		}
		log.Fatalf("create master account: %v", err)
	}

	log.Printf("master account ready: id=%s email=%s", user.ID, user.Email)
}
