// Command blocklist-seed loads a YAML blocklist into the Redis sets shared
// by every warden instance.
//
// Usage:
//
//	go run ./cmd/blocklist-seed                  # Seed from BLOCKLIST_FILE
//	go run ./cmd/blocklist-seed ./blocklist.yaml # Seed from the given file
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/layer-3/warden/adapters/blocklist"
	"github.com/layer-3/warden/internal/infra"
)

func main() {
	_ = godotenv.Load()

	path := os.Getenv("BLOCKLIST_FILE")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if path == "" {
		log.Fatal("blocklist file required: pass a path or set BLOCKLIST_FILE")
	}
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		log.Fatal("REDIS_URL environment variable is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client, err := infra.NewRedisClient(ctx, redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer func() { _ = client.Close() }()

	added, err := blocklist.NewRedisSource(client).SeedFile(ctx, path)
	if err != nil {
		log.Fatalf("Seeding %s failed: %v", path, err)
	}
	log.Printf("Seeded %s: %d new entries", path, added)
}
