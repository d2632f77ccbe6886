// ABOUTME: Tests for identity propagation through context

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.Equal(t, "", UserID(ctx))

	ctx = WithIdentity(ctx, &Identity{UserID: "u1", Email: "a@example.com"})
	assert.Equal(t, "a@example.com", FromContext(ctx).Email)
	assert.Equal(t, "u1", UserID(ctx))
}
