package main

import (
	"log"

	"gorm.io/gorm"

	"canvas-backend/internal/cache"
	"canvas-backend/internal/config"
	"canvas-backend/internal/database"
	"canvas-backend/internal/server"
)

func main() {
	cfg := config.Load()

	// database is optional: without DB_HOST the directory runs in memory
	var db *gorm.DB
	if database.Configured() {
		var err error
		db, err = database.ConnectDB()
		if err != nil {
			log.Fatalf("Database connection failed: %v", err)
		}
		defer database.Close()

		if err := database.Ping(); err != nil {
			log.Fatalf("Database ping failed: %v", err)
		}
		log.Printf("[Main] Database connected")
	} else {
		log.Printf("[Main] DB_HOST not set, running with in-memory session directory")
	}

	// Redis mirrors the stroke log so a reopened session can replay history;
	// the server runs without it, losing replay across coordinator restarts
	var redis *cache.RedisClient
	if cfg.Redis.Addr != "" {
		var err error
		redis, err = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Session.LogRetention)
		if err != nil {
			log.Printf("[Main] Redis unavailable, stroke mirror disabled: %v", err)
			redis = nil
		} else {
			log.Printf("[Main] Redis connected: %s", cfg.Redis.Addr)
			defer redis.Close()
		}
	}

	srv := server.New(cfg, db, redis)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
