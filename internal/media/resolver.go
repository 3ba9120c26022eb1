// Package media turns stored media ids into URLs a model can fetch.
package media

import (
	"context"
	"fmt"

	"github.com/xiaot623/agentloop/internal/domain"
)

// Lookup finds media metadata; it returns nil when the id is unknown to the team.
type Lookup interface {
	GetMedia(ctx context.Context, teamID, mediaID string) (*domain.Media, error)
}

// Presigner signs a short-lived download URL for an object key.
type Presigner interface {
	PresignURL(ctx context.Context, key string) (string, error)
}

// Resolved is a displayable media reference.
type Resolved struct {
	URL  string
	Type domain.MediaType
}

// Resolver resolves media ids. Objects with a storage key are presigned when a
// presigner is configured; otherwise the stored URL is used.
type Resolver struct {
	lookup    Lookup
	presigner Presigner
}

// NewResolver creates a resolver. presigner may be nil.
func NewResolver(lookup Lookup, presigner Presigner) *Resolver {
	return &Resolver{lookup: lookup, presigner: presigner}
}

// Resolve returns nil, nil when the media does not exist or has no usable URL.
func (r *Resolver) Resolve(ctx context.Context, mediaID, teamID string) (*Resolved, error) {
	m, err := r.lookup.GetMedia(ctx, teamID, mediaID)
	if err != nil {
		return nil, fmt.Errorf("lookup media %s: %w", mediaID, err)
	}
	if m == nil {
		return nil, nil
	}

	url := m.URL
	if m.StorageKey != "" && r.presigner != nil {
		url, err = r.presigner.PresignURL(ctx, m.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("presign media %s: %w", mediaID, err)
		}
	}
	if url == "" {
		return nil, nil
	}
	return &Resolved{URL: url, Type: m.Type}, nil
}
