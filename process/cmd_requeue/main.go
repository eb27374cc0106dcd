package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"be04/models"
)

// Re-enqueues failed tasks so the worker pool picks them up again. By default
// only transient failures (engine hiccups, timeouts) are touched; pass
// -permanent to also retry tasks that failed with a permanent engine error,
// for example after swapping in better trained data.
func main() {
	permanent := flag.Bool("permanent", false, "also requeue permanently failed tasks")
	limit := flag.Int("limit", 100, "max tasks to requeue (0 = no limit)")
	dry := flag.Bool("dry", false, "print what would be requeued without writing")
	flag.Parse()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	kinds := []string{models.ErrKindEngineTransient, models.ErrKindTimeout}
	if *permanent {
		kinds = append(kinds, models.ErrKindEnginePermanent)
	}

	q := db.Where("state = ? AND last_error_kind IN ?", models.TaskFailed, kinds).Order("id")
	if *limit > 0 {
		q = q.Limit(*limit)
	}
	var tasks []models.Task
	if err := q.Find(&tasks).Error; err != nil {
		log.Fatalf("query: %v", err)
	}
	if len(tasks) == 0 {
		fmt.Println("nothing to requeue")
		return
	}

	for _, t := range tasks {
		if *dry {
			fmt.Printf("would requeue %s (attempts=%d kind=%s)\n", t.PublicID, t.Attempts, t.LastErrorKind)
			continue
		}
		res := db.Model(&models.Task{}).
			Where("id = ? AND state = ?", t.ID, models.TaskFailed).
			Updates(map[string]any{
				"state":      models.TaskPending,
				"attempts":   0,
				"progress":   0,
				"not_before": nil,
			})
		if res.Error != nil {
			log.Printf("requeue %s: %v", t.PublicID, res.Error)
			continue
		}
		if res.RowsAffected == 1 {
			fmt.Printf("requeued %s\n", t.PublicID)
		}
	}
}
