package cache

import (
	"errors"
	"fmt"
	"strings"
)

// Kind partitions the cache namespace by what is being cached.
type Kind string

const (
	// KindSession caches session lookups.
	KindSession Kind = "session"

	// KindConfig caches per-tenant configuration.
	KindConfig Kind = "config"
)

// ErrUnscopedKey is returned when a key is built without a tenant scope.
// There is no shared namespace: an unscoped entry would be readable across
// tenants.
var ErrUnscopedKey = errors.New("cache key requires a tenant scope")

// BuildKey composes a cache key as kind:tenantScope:resource. Segments must
// not contain the separator.
func BuildKey(kind Kind, tenantScope, resource string) (string, error) {
	if tenantScope == "" {
		return "", ErrUnscopedKey
	}
	if kind == "" || resource == "" {
		return "", fmt.Errorf("cache key requires kind and resource")
	}
	for _, segment := range []string{string(kind), tenantScope, resource} {
		if strings.Contains(segment, ":") {
			return "", fmt.Errorf("cache key segment %q contains separator", segment)
		}
	}
	return string(kind) + ":" + tenantScope + ":" + resource, nil
}

// scopePrefix returns the key prefix covering one tenant's entries of a kind.
func scopePrefix(kind Kind, tenantScope string) string {
	return string(kind) + ":" + tenantScope + ":"
}
