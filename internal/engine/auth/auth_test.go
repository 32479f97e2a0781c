package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicy(t *testing.T) {
	p := NewPolicy(map[string][]string{
		"server":  {PermSessionsRead, PermSessionsNotify},
		"kitchen": {PermOrdersUpdate},
	})
	assert.True(t, p.KnownRole("kitchen"))
	assert.False(t, p.KnownRole("owner"))

	assert.True(t, p.Allowed([]string{"kitchen", "server"}, PermSessionsRead))
	assert.False(t, p.Allowed([]string{"kitchen"}, PermSweepsRun))
	assert.NoError(t, p.Require([]string{"server"}, PermSessionsNotify))

	err := p.Require([]string{"unknown"}, PermSessionsManage)
	var forbidden ForbiddenError
	assert.True(t, errors.As(err, &forbidden))
	assert.Equal(t, PermSessionsManage, forbidden.Permission)

	assert.Equal(t, []string{PermOrdersUpdate, PermSessionsNotify, PermSessionsRead}, p.Permissions([]string{"server", "kitchen", "server"}))
}
