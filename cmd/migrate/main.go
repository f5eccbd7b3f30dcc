package main

import (
	"flag"
	"log"

	"github.com/joho/godotenv"
	"github.com/sakashimaa/go-telemetry-sink/pkg/config"
	"github.com/sakashimaa/go-telemetry-sink/pkg/db"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf(".env not found: %v\n", err)
	}

	cfg := config.MustLoad()

	if err := db.Migrate(cfg.Postgres.URL, *direction); err != nil {
		log.Fatalf("migrate %s: %v", *direction, err)
	}

	log.Printf("migrations applied (%s)", *direction)
}
