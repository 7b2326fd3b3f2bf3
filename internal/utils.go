package internal

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/keel"
)

// sanitizeIdentifier quotes a possibly schema-qualified name.
func sanitizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.Trim(part, " \"")
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}
	if len(clean) == 0 {
		clean = []string{name}
	}
	return pgx.Identifier(clean).Sanitize()
}

// scannedValue normalizes a value read back from the database to the Go
// type the property uses. pgx returns uuid columns as [16]byte.
func scannedValue(t keel.ValueType, v any) any {
	if t != keel.ValueTypeUUID || v == nil {
		return v
	}
	if raw, ok := v.([16]byte); ok {
		return uuid.UUID(raw)
	}
	if u, ok := toUUID(v); ok {
		return u
	}
	return v
}

func toUUID(obj any) (uuid.UUID, bool) {
	switch v := obj.(type) {
	case uuid.UUID:
		return v, true
	case *uuid.UUID:
		if v == nil {
			return uuid.Nil, false
		}
		return *v, true
	case string:
		data, err := uuid.Parse(v)
		return data, err == nil
	case *string:
		if v == nil {
			return uuid.Nil, false
		}
		data, err := uuid.Parse(*v)
		return data, err == nil
	case []byte:
		if len(v) == 16 {
			data, err := uuid.FromBytes(v)
			return data, err == nil
		}
		data, err := uuid.Parse(string(v))
		return data, err == nil
	default:
		return uuid.Nil, false
	}
}

// backendAssignsKey reports whether an insert of rec takes its key from the
// backend: identity types always, client-keyed types when the record says so.
func backendAssignsKey(entityType *keel.EntityType, rec *keel.EntityRecord) bool {
	if rec.EntityState != keel.EntityStateAdded || len(entityType.KeyProperties) == 0 {
		return false
	}
	switch entityType.KeyGeneration {
	case keel.KeyGenerationIdentity:
		return true
	case keel.KeyGenerationNone:
		return rec.HasAutoGeneratedKey && len(entityType.KeyProperties) == 1
	}
	return false
}
