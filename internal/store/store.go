package store

import (
	"context"

	"healthwatch/internal/models"
)

// Store persists completed diagnostic run reports.
type Store interface {
	CreateReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, id string) (*models.Report, error)
	ListReports(ctx context.Context, issueKey string) ([]*models.Report, error)

	Migrate(ctx context.Context) error
	Close() error
}
