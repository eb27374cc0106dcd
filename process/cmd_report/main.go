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

// Prints a one-shot health report of the processing backlog: task counts per
// state, the review backlog and the failure breakdown.
func main() {
	flag.Parse()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	states := []string{
		models.TaskPending,
		models.TaskProcessing,
		models.TaskCompleted,
		models.TaskFailed,
		models.TaskCancelled,
	}
	fmt.Println("tasks:")
	for _, st := range states {
		var n int64
		db.Model(&models.Task{}).Where("state = ?", st).Count(&n)
		fmt.Printf("  %-12s %d\n", st, n)
	}

	type kindCount struct {
		LastErrorKind string
		N             int64
	}
	var kinds []kindCount
	db.Model(&models.Task{}).Select("last_error_kind, count(*) as n").
		Where("state = ?", models.TaskFailed).
		Group("last_error_kind").Scan(&kinds)
	if len(kinds) > 0 {
		fmt.Println("failures by kind:")
		for _, k := range kinds {
			fmt.Printf("  %-24s %d\n", k.LastErrorKind, k.N)
		}
	}

	var results, review int64
	db.Model(&models.Result{}).Count(&results)
	db.Model(&models.Result{}).Where("needs_review = ?", true).Count(&review)
	fmt.Printf("results: %d total, %d awaiting review\n", results, review)

	type avgRow struct{ Avg float64 }
	var avg avgRow
	db.Model(&models.Result{}).Select("coalesce(avg(aggregate_confidence),0) as avg").Scan(&avg)
	fmt.Printf("mean aggregate confidence: %.1f\n", avg.Avg)

	var invoices int64
	db.Model(&models.Invoice{}).Count(&invoices)
	fmt.Printf("invoices created: %d\n", invoices)
}
