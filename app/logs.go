package app

import (
	"context"

	"opsconsole/core"
	"opsconsole/db"
	"opsconsole/logstream"
)

// LogSubscription is the remembered live log selection.
type LogSubscription struct {
	Source  string
	Filters logstream.Filters
}

// StreamLogs switches the live log view to source and remembers the
// choice. The stream runs until StopLogs or Close.
func (c *Console) StreamLogs(ctx context.Context, source string, filters logstream.Filters) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := c.logs.Start(c.ctx, source, filters); err != nil {
		return err
	}
	if err := c.savePreference(ctx, db.PrefLogSource, source); err != nil {
		return err
	}
	return c.savePreference(ctx, db.PrefLogLevels, filters.Levels)
}

// StopLogs ends the live stream and keeps the buffer.
func (c *Console) StopLogs() {
	c.logs.Stop()
}

// LoadLogHistory stops live streaming and fills the buffer from a history
// search.
func (c *Console) LoadLogHistory(ctx context.Context, q core.LogQuery) ([]core.LogEntry, error) {
	entries, err := c.client.SearchLogs(ctx, q)
	if err != nil {
		return nil, err
	}
	c.logs.Stop()
	c.logs.LoadHistory(entries)
	return c.logs.Entries(), nil
}

// SetLogMaxLines resizes the log buffer and remembers the size.
func (c *Console) SetLogMaxLines(ctx context.Context, n int) error {
	if err := c.logs.SetMaxLines(n); err != nil {
		return err
	}
	return c.savePreference(ctx, db.PrefLogMaxLines, n)
}

// LastLogSubscription returns the remembered source and levels. ok is
// false when nothing was saved.
func (c *Console) LastLogSubscription(ctx context.Context) (sub LogSubscription, ok bool, err error) {
	if c.db == nil {
		return sub, false, nil
	}
	prefs := c.db.Preferences()
	found, err := prefs.Get(ctx, db.PrefLogSource, &sub.Source)
	if err != nil || !found {
		return sub, false, err
	}
	if _, err := prefs.Get(ctx, db.PrefLogLevels, &sub.Filters.Levels); err != nil {
		return sub, false, err
	}
	return sub, true, nil
}
