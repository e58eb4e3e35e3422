package remotestore

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
)

// BuildStoreFromDSN picks a store implementation by DSN scheme:
// postgres:// for the relational system of record, memory:// for tests
// and local development.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: store dsn is required", erpsync.ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", parsed.Scheme)
	}
}
