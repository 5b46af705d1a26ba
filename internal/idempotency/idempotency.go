// Package idempotency derives the keys the sync server deduplicates pushed
// mutations on.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

const mutationPrefix = "mut-"

// Mutation identifies one outbox entry. Seq is only unique within one
// installation of a store, so the installation id is part of the key.
type Mutation struct {
	Installation string
	Tenant       string
	EntityType   string
	EntityID     string
	Op           string
	Seq          int64
}

// NewInstallation returns a fresh installation id. A store draws one when it
// is first created and keeps it for its whole life.
func NewInstallation() string {
	return ulid.Make().String()
}

// Key returns the idempotency key for m, e.g. "mut-3f1c...". Fields are
// length-prefixed so no two field lists hash the same input.
func Key(m Mutation) string {
	var b strings.Builder
	for _, field := range []string{
		m.Installation, m.Tenant, m.EntityType, m.EntityID, m.Op,
		strconv.FormatInt(m.Seq, 10),
	} {
		b.WriteString(strconv.Itoa(len(field)))
		b.WriteByte(':')
		b.WriteString(field)
	}
	hash := sha256.Sum256([]byte(b.String()))
	return mutationPrefix + hex.EncodeToString(hash[:16])
}
