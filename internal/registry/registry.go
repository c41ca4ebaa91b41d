// Package registry defines how vahti discovers resources, reads their
// attributes and subscribes to their notifications.
package registry

import (
	"context"
	"errors"

	"github.com/yairfalse/vahti/pkg/resource"
)

var (
	// ErrNotFound is returned for an identifier the registry does not know.
	ErrNotFound = errors.New("resource not found")
	// ErrNotSupported is returned when a registry lacks an operation.
	ErrNotSupported = errors.New("operation not supported by registry")
)

// Handler receives notifications pushed by a subscribed resource.
type Handler func(resource.Notification)

// Subscription identifies one registered notification handler.
type Subscription struct {
	Token    string
	Resource resource.Identifier
}

// Registry is the resource introspection service.
type Registry interface {
	// Resolve returns the live resources matched by p, ordered by canonical name.
	Resolve(ctx context.Context, p resource.Pattern) ([]resource.Identifier, error)

	// AttributeNames lists every attribute a resource exposes.
	AttributeNames(ctx context.Context, id resource.Identifier) ([]string, error)

	// Attributes reads the named attributes. Attributes that cannot be
	// read are left out of the snapshot.
	Attributes(ctx context.Context, id resource.Identifier, names []string) (resource.Snapshot, error)

	// Subscribe registers h for notifications emitted by id.
	Subscribe(ctx context.Context, id resource.Identifier, h Handler) (Subscription, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(sub Subscription) error
}
