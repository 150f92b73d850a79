// controller is the read-side API over the run ledger and artifact store.
// It serves sweep, job and result listings plus presigned artifact URLs; it
// never dispatches anything itself.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/quantfold/btq/pkg/btapi"
	"github.com/quantfold/btq/pkg/btapi/routes"
	"github.com/quantfold/btq/pkg/btart"
	"github.com/quantfold/btq/pkg/db"
)

type controllerConfig struct {
	Port    string `envconfig:"PORT" default:"8080"`
	BaseURL string `envconfig:"BASE_URL" default:"http://localhost:8080"`

	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"btq"`
	DBPassword string `envconfig:"DB_PASSWORD" default:"password"`
	DBName     string `envconfig:"DB_NAME" default:"btq"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	StoreEndpoint  string `envconfig:"STORE_ENDPOINT" default:"localhost:9000"`
	StoreAccessKey string `envconfig:"STORE_ACCESS_KEY" required:"true"`
	StoreSecretKey string `envconfig:"STORE_SECRET_KEY" required:"true"`
	StoreBucket    string `envconfig:"STORE_BUCKET" default:"btq-artifacts"`
	StoreRegion    string `envconfig:"STORE_REGION"`
	StoreUseSSL    bool   `envconfig:"STORE_USE_SSL"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	var cfg controllerConfig
	if err := envconfig.Process("BTQ", &cfg); err != nil {
		log.Fatalf("failed to process env vars: %v", err)
	}

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer database.Close()

	store, err := btart.NewS3Store(btart.S3Config{
		Endpoint:  cfg.StoreEndpoint,
		AccessKey: cfg.StoreAccessKey,
		SecretKey: cfg.StoreSecretKey,
		Bucket:    cfg.StoreBucket,
		Region:    cfg.StoreRegion,
		UseSSL:    cfg.StoreUseSSL,
	})
	if err != nil {
		log.Fatalf("failed to initialize artifact store: %v", err)
	}

	api := btapi.NewApi()
	routes.RegisterAPI(api.Api, db.NewLedger(database), store)

	addr := fmt.Sprintf(":%s", cfg.Port)

	log.Printf("Controller starting on %s\n", addr)
	log.Printf("OpenAPI docs: %s/docs\n", cfg.BaseURL)
	log.Printf("OpenAPI spec: %s/openapi.json\n", cfg.BaseURL)

	if err := http.ListenAndServe(addr, api.Router); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
