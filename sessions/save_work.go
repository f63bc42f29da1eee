package sessions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// SaveWorkProvider returns a snapshot of unsaved state. It is called once,
// during graceful termination, before credentials are cleared.
type SaveWorkProvider func(ctx context.Context) ([]byte, error)

type saveWorkRegistry struct {
	mu        sync.Mutex
	nextID    int
	providers map[string]registeredProvider
}

type registeredProvider struct {
	id       int
	provider SaveWorkProvider
}

func newSaveWorkRegistry() *saveWorkRegistry {
	return &saveWorkRegistry{providers: make(map[string]registeredProvider)}
}

func (r *saveWorkRegistry) register(name string, p SaveWorkProvider) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.providers[name] = registeredProvider{id: id, provider: p}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.providers[name]; ok && current.id == id {
			delete(r.providers, name)
		}
	}
}

// snapshot runs every provider in registration order and bundles the
// results. A failing provider is logged and skipped. It returns nil when
// nothing was saved.
func (r *saveWorkRegistry) snapshot(ctx context.Context, logger zerolog.Logger) []byte {
	r.mu.Lock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return r.providers[names[i]].id < r.providers[names[j]].id })
	providers := make([]SaveWorkProvider, len(names))
	for i, name := range names {
		providers[i] = r.providers[name].provider
	}
	r.mu.Unlock()

	saved := make(map[string][]byte, len(names))
	for i, p := range providers {
		blob, err := p(ctx)
		if err != nil {
			logger.Err(err).Str("provider", names[i]).Msg("Save-work provider failed")
			continue
		}
		if blob != nil {
			saved[names[i]] = blob
		}
	}
	if len(saved) == 0 {
		return nil
	}
	data, err := json.Marshal(saved)
	if err != nil {
		logger.Err(err).Msg("Encoding save-work snapshot failed")
		return nil
	}
	return data
}

// DecodeSnapshot unpacks a blob written during graceful termination into
// provider name and saved bytes.
func DecodeSnapshot(blob []byte) (map[string][]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	saved := make(map[string][]byte)
	if err := json.Unmarshal(blob, &saved); err != nil {
		return nil, err
	}
	return saved, nil
}
