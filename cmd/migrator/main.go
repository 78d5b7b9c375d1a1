package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"hrauth/internal/config"
	"hrauth/internal/domain/models"
	"hrauth/internal/lib/hasher"
	"hrauth/internal/storage/mongodb"
	"hrauth/internal/storage/sqlite"
)

const adminRole = "hr-admin"

type userAdmin interface {
	SeedUser(ctx context.Context, user models.User) error
	User(ctx context.Context, username string) (*models.User, error)
	SetUserActive(ctx context.Context, userID string, active bool, at time.Time) error
}

func main() {
	var (
		configPath string
		seedAdmin  bool
		deactivate string
		activate   string
	)
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.BoolVar(&seedAdmin, "seed-admin", false, "create an admin from ADMIN_USERNAME and ADMIN_PASSWORD")
	flag.StringVar(&deactivate, "deactivate", "", "username to deactivate")
	flag.StringVar(&activate, "activate", "", "username to activate")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg := config.MustLoadPath(configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var admin userAdmin

	switch cfg.Storage.Type {
	case config.StorageMongo:
		log.Println("Connecting to MongoDB...")

		storage, err := mongodb.New(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
		if err != nil {
			log.Fatalf("failed to connect to mongodb: %v", err)
		}
		defer storage.Close(ctx)

		log.Println("MongoDB connected, indexes created successfully")
		admin = storage

	default:
		log.Printf("Migrating SQLite database %s...", cfg.Storage.SQLitePath)

		storage, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open sqlite: %v", err)
		}
		defer storage.Close()

		if err := storage.Migrate(); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}

		log.Println("SQLite migrations applied")
		admin = storage
	}

	if seedAdmin {
		if err := seed(ctx, admin); err != nil {
			log.Fatalf("failed to seed admin: %v", err)
		}
	}

	if deactivate != "" {
		if err := setActive(ctx, admin, deactivate, false); err != nil {
			log.Fatalf("failed to deactivate %s: %v", deactivate, err)
		}
		log.Printf("User %s deactivated", deactivate)
	}

	if activate != "" {
		if err := setActive(ctx, admin, activate, true); err != nil {
			log.Fatalf("failed to activate %s: %v", activate, err)
		}
		log.Printf("User %s activated", activate)
	}

	fmt.Println("Database initialization completed successfully")
}

func seed(ctx context.Context, admin userAdmin) error {
	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set")
	}

	passHash, err := hasher.NewBcrypt(bcrypt.DefaultCost).Hash(password)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := admin.SeedUser(ctx, models.User{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: "Administrator",
		Role:        adminRole,
		Active:      true,
		PassHash:    passHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return err
	}

	log.Printf("Admin seeded (username=%s, role=%s)", username, adminRole)
	return nil
}

func setActive(ctx context.Context, admin userAdmin, username string, active bool) error {
	user, err := admin.User(ctx, username)
	if err != nil {
		return err
	}
	return admin.SetUserActive(ctx, user.ID, active, time.Now().UTC())
}
