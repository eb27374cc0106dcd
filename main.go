package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"be04/pkg/ocr"
	"be04/pkg/pipeline"
	"be04/pkg/quota"
	"be04/pkg/storage"
)

var jwtSecret []byte // loaded from env JWT_SECRET (fallback to dev default)

func main() {
	// Auto-load ./.env if present (no external dependency) before reading vars
	loadDotEnv()
	cfg := loadConfig()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-insecure-secret-change" // development fallback
	}
	jwtSecret = []byte(secret)

	// Support a lightweight migrate command: `./be04_app migrate`
	// It runs AutoMigrate and seeding then exits. Useful for CI or manual DB setup.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		initDB(cfg)
		fmt.Println("migration and seeding completed")
		return
	}

	initDB(cfg)

	blobs, err := storage.NewDiskStore(cfg.UploadBase)
	if err != nil {
		log.Fatal("storage init:", err)
	}
	rules := ocr.DefaultRules()
	if cfg.RulesFile != "" {
		rules, err = ocr.LoadRules(cfg.RulesFile)
		if err != nil {
			log.Fatalf("load rules %s: %v", cfg.RulesFile, err)
		}
	}

	store := pipeline.NewGormStore(db)
	stats := pipeline.NewStats()
	pool := &pipeline.Pool{
		Store:         store,
		Blobs:         blobs,
		Engine:        ocr.NewTesseractEngine(cfg.OCRLanguages),
		Rules:         rules,
		Stats:         stats,
		Workers:       cfg.Workers,
		LeaseTTL:      cfg.LeaseTTL,
		AttemptBudget: cfg.AttemptBudget,
		MaxAttempts:   cfg.MaxAttempts,
		BackoffBase:   cfg.BackoffBase,
	}
	pool.Start()
	defer pool.Stop()

	gateway = &pipeline.Gateway{
		Store:    store,
		Blobs:    blobs,
		Quota:    quota.NewCounter(cfg.QuotaPerMin, time.Minute),
		Stats:    stats,
		Waker:    pool,
		MaxBytes: cfg.MaxUploadBytes,
		Workers:  cfg.Workers,
	}
	statusSvc = &pipeline.Status{Store: store, Stats: stats, Workers: cfg.Workers}
	validator = &pipeline.Validator{Store: store, Invoices: &pipeline.GormInvoiceStore{DB: db}, Rules: rules}
	taskStore = store

	r := gin.Default()

	setupRoutes(r)

	r.Run(cfg.Addr)
}

// loadDotEnv loads key=value pairs from a local .env file into the environment
// without overwriting variables that are already set. Lines starting with # are ignored.
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return // no .env file
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// split on first '='
		if eq := strings.IndexByte(line, '='); eq > 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}
