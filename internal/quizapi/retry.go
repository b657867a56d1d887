package quizapi

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Retry schedules for the current-question fetch. A question that is not
// committed yet gets quick retries; transport failures back off slower.
// The two failure kinds are counted independently.
var notFoundSchedule = []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond, 1500 * time.Millisecond}
var networkSchedule = []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}

const (
	retryKindNotFound = "not_found"
	retryKindNetwork  = "network"
)

// CurrentQuestionWithRetry fetches the active question, retrying on the
// fixed schedules above. When a schedule is exhausted the last error is
// returned and the caller degrades to whatever data it already has.
func (c *Client) CurrentQuestionWithRetry(ctx context.Context, gameID string) (*CurrentQuestion, error) {
	notFound, network := 0, 0
	for {
		q, err := c.CurrentQuestion(ctx, gameID)
		if err == nil {
			return q, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		var wait time.Duration
		var kind string
		if errors.Is(err, ErrNotFound) {
			if notFound >= len(notFoundSchedule) {
				c.metrics.RecordFetchFailure("current_question")
				c.log.Warn("question fetch gave up",
					zap.String("game_id", gameID),
					zap.Int("attempts", notFound+1),
					zap.Error(err))
				return nil, err
			}
			wait = notFoundSchedule[notFound]
			notFound++
			kind = retryKindNotFound
		} else {
			if network >= len(networkSchedule) {
				c.metrics.RecordFetchFailure("current_question")
				c.log.Warn("question fetch gave up",
					zap.String("game_id", gameID),
					zap.Int("attempts", network+1),
					zap.Error(err))
				return nil, err
			}
			wait = networkSchedule[network]
			network++
			kind = retryKindNetwork
		}

		c.metrics.RecordFetchRetry(kind)
		c.log.Debug("question fetch retry",
			zap.String("game_id", gameID),
			zap.String("kind", kind),
			zap.Duration("wait", wait),
			zap.Error(err))

		t := c.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.Chan():
		}
	}
}
