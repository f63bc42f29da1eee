package config

type StorageConfig interface {
	GetRedisAddr() string
	GetStorageNamespace() string
}

type Storage struct{}

var _ StorageConfig = Storage{}

// GetRedisAddr selects the shared Redis substrate; empty means a
// process-local in-memory origin.
func (Storage) GetRedisAddr() string {
	return GetEnv("REDIS_ADDR", "")
}

func (Storage) GetStorageNamespace() string {
	return GetEnv("STORAGE_NAMESPACE", "storefront")
}
