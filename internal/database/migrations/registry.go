package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/mediaforge/internal/models"
)

// queueIndex covers the database queue's poll for the oldest eligible job.
const queueIndex = "idx_conversion_jobs_queue"

// AllMigrations returns all registered migrations in order.
//   - 001: conversion_jobs table
//   - 002: composite index for the database queue poll
func AllMigrations() []Migration {
	return []Migration{
		migration001ConversionJobs(),
		migration002QueueIndex(),
	}
}

func migration001ConversionJobs() Migration {
	return Migration{
		Version:     "001",
		Description: "Create conversion_jobs table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.ConversionJob{})
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.ConversionJob{})
		},
	}
}

func migration002QueueIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Add queue poll index to conversion_jobs",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.ConversionJob{}, queueIndex) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + queueIndex + " ON conversion_jobs (status, revoked, next_attempt_at, created_at)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.ConversionJob{}, queueIndex) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.ConversionJob{}, queueIndex)
		},
	}
}
