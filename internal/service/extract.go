package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/vipul43/voucher-worker/internal/models"
)

type extraction struct {
	vouchers []models.Voucher
	err      error
}

// extractWindow runs the extractor over messages with up to workers in
// flight. Results are indexed like messages so source order is kept.
func (s *SyncService) extractWindow(ctx context.Context, messages []models.RawMessage, workers int) ([]extraction, error) {
	results := make([]extraction, len(messages))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, msg := range messages {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			vouchers, err := s.extractor.ExtractAll(msg)
			results[i] = extraction{vouchers: vouchers, err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
