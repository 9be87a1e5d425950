package engine

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildMetadataStoreFromDSN selects a metadata store adapter by DSN scheme.
// Empty DSN means in-memory.
func BuildMetadataStoreFromDSN(dsn string) (MetadataStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryMetadataStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryMetadataStore(), nil
	case "postgres", "postgresql":
		return NewPostgresMetadataStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: metadata store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported metadata store scheme: %s", scheme)
	}
}

// BuildVectorIndexFromDSN selects a vector index adapter by DSN scheme.
// Empty DSN means in-memory. For http/https the fragment-free URL is the
// service base; token is passed separately by the caller.
func BuildVectorIndexFromDSN(dsn, token string) (VectorIndex, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryVectorIndex(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryVectorIndex(), nil
	case "http", "https":
		return NewHTTPVectorIndex(HTTPVectorIndexOptions{BaseURL: dsn, Token: token})
	default:
		return nil, fmt.Errorf("unsupported vector index scheme: %s", scheme)
	}
}
