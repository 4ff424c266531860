package token

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// TokenSource adapts the manager to golang.org/x/oauth2 so it can feed
// oauth2-based transports directly.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerSource{ctx: ctx, manager: m}
}

type managerSource struct {
	ctx     context.Context
	manager *Manager
}

func (s *managerSource) Token() (*oauth2.Token, error) {
	t, err := s.manager.Token(s.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[managerSource.Token]")
	}
	if t == "" {
		return nil, errors.New("[managerSource.Token] no token available")
	}
	return &oauth2.Token{AccessToken: t, TokenType: "Bearer"}, nil
}
