package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, Identity{}, From(ctx))

	ctx = With(ctx, Identity{Actor: "alice", Device: "device-1"})
	require.Equal(t, Identity{Actor: "alice", Device: "device-1"}, From(ctx))
}

func TestWithActorKeepsDevice(t *testing.T) {
	ctx := With(context.Background(), Identity{Actor: "alice", Device: "device-1"})
	ctx = WithActor(ctx, "bob")
	require.Equal(t, Identity{Actor: "bob", Device: "device-1"}, From(ctx))

	require.Equal(t, Identity{Actor: "carol"}, From(WithActor(context.Background(), "carol")))
}
