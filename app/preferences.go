package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"opsconsole/db"
)

type savedPreferences struct {
	maxLines     int
	pollInterval time.Duration
}

// loadPreferences reads the values that shape construction. Unreadable
// preferences are logged and ignored.
func (c *Console) loadPreferences() savedPreferences {
	var p savedPreferences
	if c.db == nil {
		return p
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefs := c.db.Preferences()
	if _, err := prefs.Get(ctx, db.PrefLogMaxLines, &p.maxLines); err != nil {
		c.logger.Warn("Ignoring saved log buffer size", zap.Error(err))
		p.maxLines = 0
	}
	if _, err := prefs.Get(ctx, db.PrefPollInterval, &p.pollInterval); err != nil {
		c.logger.Warn("Ignoring saved poll interval", zap.Error(err))
		p.pollInterval = 0
	}
	return p
}

func (c *Console) savePreference(ctx context.Context, key string, value any) error {
	if c.db == nil {
		return nil
	}
	return c.db.Preferences().Set(ctx, key, value)
}
