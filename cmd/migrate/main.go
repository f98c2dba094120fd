package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/wardenhq/warden/pkg/db"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found")
	} else {
		log.Println("loaded .env file")
	}

	ctx := context.Background()

	cfg := db.Config{
		Host:     "localhost",
		Port:     5432,
		User:     "warden",
		Password: "password",
		Database: "warden",
		SSLMode:  "disable",
	}

	if err := envconfig.Process("DB", &cfg); err != nil {
		log.Fatalf("failed to process env vars: %v", err)
	}

	database, err := db.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	log.Println("Running migrations...")
	group, err := db.Migrate(ctx, database)
	if err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	if group == "" {
		log.Println("Database is up to date.")
	} else {
		log.Printf("Migrated to %s.", group)
	}
}
