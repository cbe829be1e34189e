package interfaces

import (
	"context"

	"rendezvous/pkg/types"
)

// Authenticator maps a connection credential to a known user. Any failure
// is reported as types.ErrAuthRequired.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*types.User, error)
}
