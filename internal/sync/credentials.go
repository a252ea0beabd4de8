package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"

	"gitea.jw6.us/james/tutortrack/internal/secrets"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

// Credentials persists OAuth tokens at rest only in sealed form.
type Credentials struct {
	repo store.CredentialRepository
	box  *secrets.Box
}

// NewCredentials wires the credential repository with the sealing key.
func NewCredentials(repo store.CredentialRepository, box *secrets.Box) *Credentials {
	return &Credentials{repo: repo, box: box}
}

// Save stores a freshly obtained token set for a user, replacing any
// previous credential and clearing a pending reconnect flag.
func (c *Credentials) Save(ctx context.Context, userID int64, tok *oauth2.Token, email string, scopes []string) error {
	blob, err := c.seal(tok)
	if err != nil {
		return err
	}

	cred := store.Credential{
		UserID:          userID,
		TokenCiphertext: blob,
		Scopes:          scopes,
	}
	if email != "" {
		cred.ConnectedEmail = &email
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		cred.Expiry = &expiry
	}
	return c.repo.Upsert(ctx, cred)
}

// Load fetches a user's credential and unseals its token.
func (c *Credentials) Load(ctx context.Context, userID int64) (*store.Credential, *oauth2.Token, error) {
	cred, err := c.repo.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	tok, err := c.open(cred.TokenCiphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("credential for user %d: %w", userID, err)
	}
	return cred, tok, nil
}

// UpdateToken reseals and stores a refreshed token.
func (c *Credentials) UpdateToken(ctx context.Context, userID int64, tok *oauth2.Token) error {
	blob, err := c.seal(tok)
	if err != nil {
		return err
	}
	if tok.Expiry.IsZero() {
		return c.repo.UpdateToken(ctx, userID, blob, nil)
	}
	exp := tok.Expiry
	return c.repo.UpdateToken(ctx, userID, blob, &exp)
}

func (c *Credentials) seal(tok *oauth2.Token) ([]byte, error) {
	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	blob, err := c.box.Seal(raw)
	if err != nil {
		return nil, fmt.Errorf("seal token: %w", err)
	}
	return blob, nil
}

func (c *Credentials) open(blob []byte) (*oauth2.Token, error) {
	raw, err := c.box.Open(blob)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}
