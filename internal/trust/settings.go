package trust

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the local, on-disk record of one peer's own session, per §6
// ("Each peer persists {session_id, private_key, public_key, expiration} in
// a local settings store. Private keys never leave the peer."). It never
// travels over the wire -- only Session.PublicKey is published via Learn on
// the peer side that receives it.
type Settings struct {
	SessionID  string    `yaml:"session_id"`
	Owner      string    `yaml:"owner"`
	PrivateKey []byte    `yaml:"private_key"`
	PublicKey  []byte    `yaml:"public_key"`
	Expiration time.Time `yaml:"expiration"`
}

// SaveSettings persists sessionID's key material from pool to path as YAML,
// with owner-only file permissions since it carries a private key.
func (p *Pool) SaveSettings(sessionID, path string) error {
	p.mu.RLock()
	s, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	if s.privateKey == nil {
		return ErrNotSigningCapable
	}

	doc := Settings{
		SessionID:  s.ID,
		Owner:      s.Owner,
		PrivateKey: []byte(s.privateKey),
		PublicKey:  []byte(s.PublicKey),
		Expiration: s.Expiration,
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("trust: marshaling settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("trust: writing settings to %s: %w", path, err)
	}
	return nil
}

// LoadSettings reads path and registers its session in pool as signing-
// capable, returning the restored Session.
func (p *Pool) LoadSettings(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust: reading settings from %s: %w", path, err)
	}
	var doc Settings
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("trust: parsing settings from %s: %w", path, err)
	}
	if len(doc.PrivateKey) != ed25519.PrivateKeySize || len(doc.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("trust: settings at %s have malformed key material", path)
	}

	s := &Session{
		ID:         doc.SessionID,
		Owner:      doc.Owner,
		PublicKey:  ed25519.PublicKey(doc.PublicKey),
		privateKey: ed25519.PrivateKey(doc.PrivateKey),
		Expiration: doc.Expiration,
	}
	p.mu.Lock()
	p.sessions[s.ID] = s
	p.mu.Unlock()
	return s, nil
}
