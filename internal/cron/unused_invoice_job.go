package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/studiobooking/payments-backend/pkg/logger"
)

const defaultUnusedInvoiceAge = 7 * 24 * time.Hour

type invoiceCleaner interface {
	DeleteUnused(ctx context.Context, maxAge time.Duration) (int64, error)
}

type UnusedInvoiceJobParams struct {
	Logger   *logger.Logger
	Invoices invoiceCleaner
	MaxAge   time.Duration
}

func NewUnusedInvoiceJob(params UnusedInvoiceJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Invoices == nil {
		return nil, fmt.Errorf("invoice service required")
	}
	maxAge := params.MaxAge
	if maxAge <= 0 {
		maxAge = defaultUnusedInvoiceAge
	}
	return &unusedInvoiceJob{logg: params.Logger, invoices: params.Invoices, maxAge: maxAge}, nil
}

type unusedInvoiceJob struct {
	logg     *logger.Logger
	invoices invoiceCleaner
	maxAge   time.Duration
}

func (j *unusedInvoiceJob) Name() string { return "unused-invoice-cleanup" }

func (j *unusedInvoiceJob) Run(ctx context.Context) error {
	deleted, err := j.invoices.DeleteUnused(ctx, j.maxAge)
	if err != nil {
		return fmt.Errorf("delete unused invoices: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"max_age":      j.maxAge.String(),
		"rows_deleted": deleted,
	}), "unused invoice cleanup complete")
	return nil
}
