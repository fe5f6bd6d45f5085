package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vigorhq/vigor/apperr"
	"github.com/vigorhq/vigor/store"
	"github.com/vigorhq/vigor/wearables"
)

const stateTTL = 15 * time.Minute

// stateClaims is the signed OAuth state: it carries the initiating user
// and the PKCE verifier across the provider redirect, so the callback
// needs no server-side session.
type stateClaims struct {
	UserID   int64  `json:"uid"`
	Provider string `json:"prv"`
	Nonce    string `json:"nce"`
	Verifier string `json:"vrf,omitempty"`
	jwt.RegisteredClaims
}

func (s *Service) signState(userID int64, provider, verifier string) (string, error) {
	if s.Config.JWTKey == "" {
		return "", apperr.Wrap(fmt.Errorf("jwt_key unset"), apperr.ErrConfiguration, "jwt key is not configured")
	}
	now := time.Now().UTC()
	claims := stateClaims{
		UserID:   userID,
		Provider: provider,
		Nonce:    uuid.NewString(),
		Verifier: verifier,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.Config.JWTKey))
}

func (s *Service) parseState(state, provider string) (*stateClaims, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.Config.JWTKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInvalidState, "")
	}
	if claims.Provider != provider || claims.UserID <= 0 {
		return nil, apperr.WithFields(apperr.ErrInvalidState, map[string]any{"provider": provider})
	}
	return claims, nil
}

// AuthorizationURL mints the provider redirect for userID. A PKCE pair
// is generated for every flow; providers that don't mandate it ignore
// the challenge.
func (s *Service) AuthorizationURL(userID int64, provider string) (string, error) {
	p, err := s.Registry.Get(provider)
	if err != nil {
		return "", err
	}
	cfg, _ := s.Config.Provider(provider)
	if !cfg.Configured() {
		return "", apperr.WithFields(apperr.ErrConfiguration, map[string]any{"provider": provider})
	}
	pkce, err := wearables.NewPKCE()
	if err != nil {
		return "", err
	}
	state, err := s.signState(userID, provider, pkce.Verifier)
	if err != nil {
		return "", err
	}
	return p.AuthCodeURL(state, pkce)
}

// HandleCallback verifies the returned state, exchanges the code and
// persists the connection. The provider-side user id is captured here
// so webhook deliveries can be mapped back to the account.
func (s *Service) HandleCallback(ctx context.Context, provider, code, state string) (*store.Connection, error) {
	claims, err := s.parseState(state, provider)
	if err != nil {
		return nil, err
	}
	p, err := s.Registry.Get(provider)
	if err != nil {
		return nil, err
	}
	client, err := s.Client(provider)
	if err != nil {
		return nil, err
	}

	req, err := p.ExchangeRequest(code, wearables.PKCE{Verifier: claims.Verifier})
	if err != nil {
		return nil, err
	}
	resp, err := client.DoApp(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, apperr.Wrap(fmt.Errorf("exchange status %d", resp.Status), apperr.ErrInvalidState, "authorization code exchange failed")
	}
	tok, err := p.ParseToken(resp.Body)
	if err != nil {
		return nil, err
	}

	providerUserID := tok.ProviderUserID
	if providerUserID == "" {
		if idReq, ok := p.IdentityRequest(); ok {
			idResp, err := client.DoToken(ctx, idReq, tok.AccessToken)
			if err == nil && idResp.Status == http.StatusOK {
				providerUserID, _ = p.ParseIdentity(idResp.Body)
			} else {
				s.Logger.WithFields(logrus.Fields{"provider": provider}).
					Warn("identity lookup failed, webhook mapping unavailable until reconnect")
			}
		}
	}

	conn := &store.Connection{
		UserID:         claims.UserID,
		Provider:       provider,
		ProviderUserID: providerUserID,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		Scopes:         tok.Scope,
		ExpiresAt:      time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if err := s.Store.SaveConnection(ctx, conn); err != nil {
		return nil, err
	}
	_ = s.Store.AppendAudit(ctx, conn.UserID, provider, store.AuditConnected, "scopes: "+tok.Scope)

	if s.Config.ConnectBackfillDays > 0 {
		go s.initialBackfill(conn.UserID, provider)
	}
	return conn, nil
}

// Disconnect removes the connection, revoking provider-side first on a
// best-effort basis.
func (s *Service) Disconnect(ctx context.Context, userID int64, provider string) error {
	p, err := s.Registry.Get(provider)
	if err != nil {
		return err
	}
	conn, err := s.Store.GetConnection(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.WithFields(apperr.ErrNotConnected, map[string]any{"provider": provider})
		}
		return err
	}

	if req, ok := p.RevokeRequest(conn.AccessToken); ok {
		client, err := s.Client(provider)
		if err == nil {
			if _, err := client.DoToken(ctx, req, conn.AccessToken); err != nil {
				s.Logger.WithFields(logrus.Fields{"provider": provider}).
					WithError(err).Warn("provider-side revoke failed")
			}
		}
	}

	if err := s.Store.DeleteConnection(ctx, userID, provider); err != nil {
		return err
	}
	s.dropUserCache(ctx, provider, conn.ProviderUserID)
	_ = s.Store.AppendAudit(ctx, userID, provider, store.AuditDisconnected, "")
	return nil
}
