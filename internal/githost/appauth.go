package githost

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v68/github"
)

// AppAuth turns the application's long-lived private key into short-lived
// installation access tokens. Every step here is a prerequisite for the
// deployment — including status reporting — so failures are fatal and occur
// before any filesystem side effects.
type AppAuth struct {
	clientID string
	key      *rsa.PrivateKey
	baseURL  string
	now      func() time.Time
}

// NewAppAuth loads the application's RSA private key from keyPath.
func NewAppAuth(clientID, keyPath, baseURL string) (*AppAuth, error) {
	if clientID == "" {
		return nil, fmt.Errorf("app client id is empty")
	}
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return &AppAuth{clientID: clientID, key: key, baseURL: baseURL, now: time.Now}, nil
}

// appJWT signs the short-lived RS256 assertion the host exchanges for
// installation access. Issued-at is backdated 5s to absorb clock skew.
func (a *AppAuth) appJWT() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(300 * time.Second)),
		Issuer:    a.clientID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken exchanges the app JWT for an installation access token
// scoped to exactly one repository: installation lookup by repository, then
// token issuance restricted to that repository.
func (a *AppAuth) InstallationToken(ctx context.Context, repo string) (string, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return "", err
	}

	assertion, err := a.appJWT()
	if err != nil {
		return "", err
	}
	appClient, err := NewClient(a.baseURL, assertion)
	if err != nil {
		return "", err
	}

	inst, _, err := appClient.Apps.FindRepositoryInstallation(ctx, owner, name)
	if err != nil {
		return "", fmt.Errorf("find installation for %s: %w", repo, err)
	}

	tok, _, err := appClient.Apps.CreateInstallationToken(ctx, inst.GetID(), &github.InstallationTokenOptions{
		Repositories: []string{name},
	})
	if err != nil {
		return "", fmt.Errorf("create installation token for %s: %w", repo, err)
	}
	return tok.GetToken(), nil
}
