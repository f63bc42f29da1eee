package storage

import "context"

// Change describes a mutation made by another participant (tab) sharing the
// same storage origin.
type Change struct {
	Key      string `json:"key"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`
	Removed  bool   `json:"removed,omitempty"`
	Source   string `json:"source"` // tab that made the change
}

// KeyValue is the minimal persistence substrate shared by all tabs of one
// origin. Implementations never deliver a tab's own writes back to it.
type KeyValue interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetIfAbsent stores value only if key is not present, atomically with
	// respect to every other tab. It reports whether the value was stored.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	// Delete removes keys; absent keys are ignored and produce no change.
	Delete(ctx context.Context, keys ...string) error
	// OnExternalChange registers fn for changes made by other tabs and
	// returns a function that removes the registration.
	OnExternalChange(fn func(Change)) (unsubscribe func())
}
