package logstream

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"opsconsole/core"
)

// Filters narrows a live subscription. The backend applies them.
type Filters struct {
	Levels []core.LogLevel `json:"levels,omitempty"`
	Search string          `json:"search,omitempty"`
}

// normalized returns a copy with levels canonicalized, deduplicated and
// sorted, and the search term trimmed.
func (f Filters) normalized() Filters {
	seen := make(map[core.LogLevel]bool, len(f.Levels))
	levels := make([]core.LogLevel, 0, len(f.Levels))
	for _, l := range f.Levels {
		l = core.ParseLogLevel(string(l))
		if !seen[l] {
			seen[l] = true
			levels = append(levels, l)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return Filters{Levels: levels, Search: strings.TrimSpace(f.Search)}
}

// Equal reports whether f and o select the same subscription.
func (f Filters) Equal(o Filters) bool {
	a, b := f.normalized(), o.normalized()
	if a.Search != b.Search || len(a.Levels) != len(b.Levels) {
		return false
	}
	for i := range a.Levels {
		if a.Levels[i] != b.Levels[i] {
			return false
		}
	}
	return true
}

// StreamURL builds the subscription target {base}/{source}?levels=A,B&search=term.
func StreamURL(base, source string, f Filters) (string, error) {
	if source == "" {
		return "", errors.New("log source is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse log stream base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("log stream base url %q must use ws or wss", base)
	}

	u.RawPath = strings.TrimRight(u.EscapedPath(), "/") + "/" + url.PathEscape(source)
	u.Path = strings.TrimRight(u.Path, "/") + "/" + source

	f = f.normalized()
	q := url.Values{}
	if len(f.Levels) > 0 {
		levels := make([]string, len(f.Levels))
		for i, l := range f.Levels {
			levels[i] = string(l)
		}
		q.Set("levels", strings.Join(levels, ","))
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FilterEntries is the client-side search used in history mode. It keeps
// entries whose message or source contains search, ignoring case.
// An empty search returns entries unchanged.
func FilterEntries(entries []core.LogEntry, search string) []core.LogEntry {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return entries
	}
	out := make([]core.LogEntry, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Message), search) ||
			strings.Contains(strings.ToLower(e.Source), search) {
			out = append(out, e)
		}
	}
	return out
}
