package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"be04/models"
	"be04/pkg/pipeline"
	"be04/pkg/storage"
	"be04/process/intake"
)

func main() {
	dir := flag.String("dir", "intake", "directory to watch for dropped documents")
	owner := flag.String("owner", "admin", "username to admit documents for")
	base := flag.String("base", os.Getenv("UPLOAD_BASE"), "blob storage base dir (default env UPLOAD_BASE)")
	flag.Parse()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	var user models.User
	if err := db.Where("username = ?", *owner).First(&user).Error; err != nil {
		log.Fatalf("owner %s not found: %v", *owner, err)
	}

	if *base == "" {
		*base = "uploads"
	}
	blobs, err := storage.NewDiskStore(*base)
	if err != nil {
		log.Fatalf("storage init: %v", err)
	}

	store := pipeline.NewGormStore(db)
	gw := &pipeline.Gateway{
		Store: store,
		Blobs: blobs,
		Stats: pipeline.NewStats(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &intake.Watcher{Gateway: gw, OwnerID: user.ID, Dir: *dir}
	log.Printf("intake: watching %s for user %s (id=%d)", *dir, user.Username, user.ID)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("intake: %v", err)
	}
}
