package tokens

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenSource adapts the Coordinator to oauth2.TokenSource for one
// connection, so API clients built with option.WithTokenSource always send
// a coordinated token.
func (c *Coordinator) TokenSource(ctx context.Context, connectionID string) oauth2.TokenSource {
	return &connectionTokenSource{ctx: ctx, coordinator: c, connectionID: connectionID}
}

type connectionTokenSource struct {
	ctx          context.Context
	coordinator  *Coordinator
	connectionID string
}

func (s *connectionTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.coordinator.GetValidToken(s.ctx, s.connectionID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
		Expiry:      tok.ExpiresAt,
	}, nil
}
