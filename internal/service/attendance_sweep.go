package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
)

// ExpireStale moves the PENDING presences of every open but expired roll-call to
// NOT_SIGNED. The roll-calls themselves stay open. It returns the number of presences moved.
func (s *AttendanceService) ExpireStale(ctx context.Context) (int, error) {
	perAppel, err := s.appels.ExpireStale(ctx, s.clock.Now().UTC())
	if err != nil {
		return 0, appErrors.Internal(err, "failed to expire stale roll-calls")
	}
	if len(perAppel) == 0 {
		return 0, nil
	}

	total := 0
	ids := make([]string, 0, len(perAppel))
	for id, n := range perAppel {
		total += n
		ids = append(ids, id)
	}
	s.invalidatePoll(ctx, ids...)
	s.metrics.RecordSweep(total)
	s.logger.Info("expired pending presences", zap.Int("presences", total), zap.Int("appels", len(ids)))
	return total, nil
}

// RunSweep calls ExpireStale every interval until ctx is cancelled.
func (s *AttendanceService) RunSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx); err != nil {
				s.logger.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
