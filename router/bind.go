package router

import (
	"opsconsole/store"
)

// Bind registers the standard reducers that feed s.
func Bind(r *Router, s *store.Stores) {
	r.Handle(TypeSystemUpdate, func(m WireMessage) error {
		return s.Metrics.Apply(m.Body())
	})
	r.Handle(TypeServiceUpdate, func(m WireMessage) error {
		return s.Services.Apply(m.Body())
	})
	r.Handle(TypeModelUpdate, func(m WireMessage) error {
		return s.Models.Apply(m.Body())
	})
	r.Handle(TypeLogEntry, func(m WireMessage) error {
		return s.Activity.Apply(m.Body())
	})
	r.Handle(TypeDownloadProgress, func(m WireMessage) error {
		return s.Downloads.ApplyProgress(m.ModelID, m.Body())
	})
}
