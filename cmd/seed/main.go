package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/recsyslab/recommender-backend/config"
	"github.com/recsyslab/recommender-backend/datasource"
	"github.com/recsyslab/recommender-backend/registry"
)

// Seeds the database with a demo configuration and synthetic interactions
// so a fresh deployment has something to train on.
func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := config.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database schema initialized")

	demo := registry.ModelConfig{
		ConfigID:        "demo-popular",
		Name:            "Demo popularity model",
		Description:     "Seeded configuration for local development",
		SiteIDs:         "[1]",
		ModelParams:     `{"filter_seen": true}`,
		RetrainInterval: 3600,
		Active:          true,
	}
	if err := db.Where("config_id = ?", demo.ConfigID).FirstOrCreate(&demo).Error; err != nil {
		log.Fatalf("Failed to seed config: %v", err)
	}

	var count int64
	if err := db.Model(&datasource.Interaction{}).Count(&count).Error; err != nil {
		log.Fatalf("Failed to count interactions: %v", err)
	}
	if count > 0 {
		log.Printf("Interactions already present (%d rows), skipping", count)
		return
	}

	rng := rand.New(rand.NewSource(42))
	interactions := make([]datasource.Interaction, 0, 500)
	for i := 0; i < 500; i++ {
		interactions = append(interactions, datasource.Interaction{
			UserID:     int64(rng.Intn(50) + 1),
			ItemID:     int64(rng.Intn(100) + 1),
			SiteID:     1,
			Weight:     float64(rng.Intn(5) + 1),
			OccurredAt: time.Now().Add(-time.Duration(rng.Intn(720)) * time.Hour),
		})
	}
	if err := db.CreateInBatches(interactions, 100).Error; err != nil {
		log.Fatalf("Failed to seed interactions: %v", err)
	}

	fmt.Printf("Seeded config %s with %d interactions\n", demo.ConfigID, len(interactions))
}
