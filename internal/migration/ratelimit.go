package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/ferrydb/ferry/internal/cache"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/services"
)

const rateKeyPrefix = "migration:rl:"

// rateWindow is the sliding window for per-user operation caps. The counter
// TTL opens at the first increment.
const rateWindow = time.Hour

func rateKey(operation, user string) string {
	return rateKeyPrefix + operation + ":" + user
}

// allowRate counts one attempt for user against the hourly cap and returns a
// RATE_LIMITED error once the cap is exceeded. limit <= 0 disables the check.
// A cache failure fails open with a warning.
func allowRate(ctx context.Context, c cache.Cache, log *logging.Logger, operation, user string, limit int) error {
	if limit <= 0 {
		return nil
	}
	n, err := c.Incr(ctx, rateKey(operation, user), rateWindow)
	if err != nil {
		log.Warn("Rate limit check unavailable", "operation", operation, "error", err)
		return nil
	}
	if n > int64(limit) {
		return services.NewServiceErrorWithDetails(services.CodeRateLimited,
			fmt.Sprintf("%s rate limit exceeded, retry later", operation),
			map[string]interface{}{
				"operation": operation,
				"limit":     limit,
				"window":    "1h",
			})
	}
	return nil
}
