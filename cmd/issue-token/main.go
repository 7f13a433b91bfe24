// Command issue-token opens a session for a user and prints its bearer token
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"prices-service/config"
	"prices-service/internal/api"
	"prices-service/internal/redisclient"
)

func main() {
	userID := flag.String("user", "", "user id the session belongs to")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: issue-token -user <user id>")
		os.Exit(2)
	}

	cfg := config.Load()

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Redis.SessionTTL, redisClient)
	token, err := auth.IssueToken(context.Background(), *userID)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(token)
}
