package api

import (
	"context"
	"errors"
)

// collectionContextKey is the context key for the resolved collection name.
type collectionContextKey struct{}

// deviceIDContextKey is the context key for the calling device (for logging).
type deviceIDContextKey struct{}

// ErrNoCollectionInContext indicates no collection was found in the context.
var ErrNoCollectionInContext = errors.New("no collection in context")

// WithCollection returns a new context with the collection name attached.
func WithCollection(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, collectionContextKey{}, name)
}

// CollectionFromContext extracts the collection name from the context.
// Returns ErrNoCollectionInContext if not present or empty.
func CollectionFromContext(ctx context.Context) (string, error) {
	name, ok := ctx.Value(collectionContextKey{}).(string)
	if !ok || name == "" {
		return "", ErrNoCollectionInContext
	}
	return name, nil
}

// MustCollectionFromContext extracts the collection name or panics.
// Use only when middleware guarantees collection presence.
func MustCollectionFromContext(ctx context.Context) string {
	name, err := CollectionFromContext(ctx)
	if err != nil {
		panic("collection not in context: middleware misconfiguration")
	}
	return name
}

// WithDeviceID returns a new context with the device ID attached.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDContextKey{}, deviceID)
}

// DeviceIDFromContext extracts the device ID from the context.
// Returns "" if not present.
func DeviceIDFromContext(ctx context.Context) string {
	deviceID, _ := ctx.Value(deviceIDContextKey{}).(string)
	return deviceID
}
