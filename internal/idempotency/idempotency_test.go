package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func mutation() Mutation {
	return Mutation{
		Installation: "01JBV5Q0Z7W1D8X9K3M4N5P6R7",
		Tenant:       "acme",
		EntityType:   "customers",
		EntityID:     "c-123",
		Op:           "update",
		Seq:          2,
	}
}

func TestKeyIsStable(t *testing.T) {
	a := Key(mutation())
	assert.Equal(t, a, Key(mutation()))
	assert.True(t, strings.HasPrefix(a, "mut-"))
	assert.Len(t, a, len("mut-")+32)
}

func TestKeyCoversEveryField(t *testing.T) {
	base := Key(mutation())
	for name, change := range map[string]func(*Mutation){
		"installation": func(m *Mutation) { m.Installation = NewInstallation() },
		"tenant":       func(m *Mutation) { m.Tenant = "globex" },
		"entity type":  func(m *Mutation) { m.EntityType = "products" },
		"entity id":    func(m *Mutation) { m.EntityID = "c-124" },
		"op":           func(m *Mutation) { m.Op = "delete" },
		"seq":          func(m *Mutation) { m.Seq = 3 },
	} {
		m := mutation()
		change(&m)
		assert.NotEqual(t, base, Key(m), name)
	}
}

func TestKeyFieldsDoNotRunTogether(t *testing.T) {
	a := mutation()
	a.Tenant, a.EntityType = "acme", "customers"
	b := mutation()
	b.Tenant, b.EntityType = "acmecustomers", ""
	assert.NotEqual(t, Key(a), Key(b))
}

func TestNewInstallationIsUnique(t *testing.T) {
	assert.NotEqual(t, NewInstallation(), NewInstallation())
}
