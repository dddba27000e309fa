// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the identity a write is attributed to through a context.
package auth

import (
	"context"
)

// Identity is who made a request and from which device. Either field may be empty.
type Identity struct {
	Actor  string
	Device string
}

type identityKey struct{}

// With returns ctx carrying id
func With(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// From returns the identity stored in ctx, zero when there is none
func From(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// WithActor replaces the actor and keeps the device already in ctx
func WithActor(ctx context.Context, actor string) context.Context {
	id := From(ctx)
	id.Actor = actor
	return With(ctx, id)
}
