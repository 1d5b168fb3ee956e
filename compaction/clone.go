package compaction

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/mitchellh/copystructure"
)

// deepCopy copies v with copystructure. Values copystructure cannot walk
// are returned as-is.
func deepCopy[T any](v T) T {
	out, err := copystructure.Copy(v)
	if err != nil {
		return v
	}
	copied, ok := out.(T)
	if !ok {
		return v
	}
	return copied
}

// persistedEquality ignores timestamps that move on every derivation.
var persistedEquality = cmp.Options{
	cmpopts.IgnoreFields(PersistedState{}, "UpdatedAt"),
	cmpopts.IgnoreFields(Usage{}, "UpdatedAt"),
	cmpopts.IgnoreFields(ModelMetadata{}, "LastUpdatedAt"),
	cmpopts.EquateEmpty(),
}

// EqualPersisted reports whether a and b describe the same durable state.
func EqualPersisted(a, b *PersistedState) bool {
	return cmp.Equal(a, b, persistedEquality)
}

// usageEquality compares the fields that make a usage record meaningfully
// different: the four token counts, estimated response, remaining and budget.
var usageEquality = cmp.Options{
	cmpopts.IgnoreFields(Usage{}, "UpdatedAt"),
}

// EqualUsage reports whether a and b differ only in UpdatedAt.
func EqualUsage(a, b *Usage) bool {
	return cmp.Equal(a, b, usageEquality)
}
