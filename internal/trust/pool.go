// Package trust implements GoatDB's trust pool (component C11): per-session
// asymmetric key pairs, commit signing/verification, and root-session login
// tokens, per §4.10.
package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goatdb/goatdb/internal/commit"
	"github.com/goatdb/goatdb/internal/value"
)

// rootOwner identifies the session(s) permitted to sign login tokens, per
// §4.10 ("Root sessions (owner = root) may additionally sign short-lived
// login tokens").
const rootOwner = "root"

// Session is one peer's known identity: its published public half, and --
// only if this pool minted it locally -- the private half needed to sign.
type Session struct {
	ID         string
	Owner      string // "root" or any other caller-chosen owner tag
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey // nil for a session known only by its public key
	Expiration time.Time
}

// Pool holds every session this peer knows about: its own (signing-capable)
// sessions plus the public keys of peers it has learned of, e.g. via sync.
// Per §5 it is shared read-mostly; updates are expected at init, fenced
// before any repository opens.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewPool returns an empty trust pool.
func NewPool() *Pool {
	return &Pool{sessions: make(map[string]*Session)}
}

// CreateSession generates a fresh ed25519 key pair for a new local session,
// valid until ttl elapses. An empty id generates one via uuid.
func (p *Pool) CreateSession(id, owner string, ttl time.Duration) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("trust: generating key pair: %w", err)
	}
	s := &Session{
		ID:         id,
		Owner:      owner,
		PublicKey:  pub,
		privateKey: priv,
		Expiration: time.Now().Add(ttl),
	}
	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()
	return s, nil
}

// Learn registers a peer's published public key without any signing
// capability of its own — the shape sync uses to populate the pool with
// session identities it encounters on the wire but never minted locally.
func (p *Pool) Learn(id, owner string, pub ed25519.PublicKey, expiration time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[id] = &Session{ID: id, Owner: owner, PublicKey: pub, Expiration: expiration}
}

// Session returns the known session for id, if any.
func (p *Pool) Session(id string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

var (
	// ErrUnknownSession is returned when a signature names a session this
	// pool has no record of.
	ErrUnknownSession = errors.New("trust: unknown session")
	// ErrExpiredSession is returned when a session's validity window has
	// elapsed.
	ErrExpiredSession = errors.New("trust: session expired")
	// ErrBadSignature is returned when a signature fails cryptographic
	// verification against the resolved session's public key.
	ErrBadSignature = errors.New("trust: bad signature")
	// ErrNotSigningCapable is returned when Sign is asked to use a session
	// this pool only knows the public half of.
	ErrNotSigningCapable = errors.New("trust: session has no private key in this pool")
	// ErrNotRoot is returned when a login token is requested for a
	// non-root session.
	ErrNotRoot = errors.New("trust: session is not a root session")
)

// Sign produces a Signature over payload's canonical form, bound to
// sessionID, a fresh nonce, and the current time, per §4.10.
func (p *Pool) Sign(sessionID string, payload []byte) (commit.Signature, error) {
	p.mu.RLock()
	s, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if !ok {
		return commit.Signature{}, ErrUnknownSession
	}
	if s.privateKey == nil {
		return commit.Signature{}, ErrNotSigningCapable
	}
	if time.Now().After(s.Expiration) {
		return commit.Signature{}, ErrExpiredSession
	}

	ts := time.Now().UTC()
	nonce := uuid.NewString()
	bound := bindPayload(sessionID, ts, nonce, payload)
	sig := ed25519.Sign(s.privateKey, bound)

	return commit.Signature{
		SessionID: sessionID,
		Bytes:     sig,
		Timestamp: ts,
		Nonce:     nonce,
	}, nil
}

// Verify resolves sig.SessionID to a known public key and checks the
// signature's validity and expiration against payload's canonical form.
func (p *Pool) Verify(sig commit.Signature, payload []byte) error {
	p.mu.RLock()
	s, ok := p.sessions[sig.SessionID]
	p.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	if sig.Timestamp.After(s.Expiration) {
		return ErrExpiredSession
	}
	bound := bindPayload(sig.SessionID, sig.Timestamp, sig.Nonce, payload)
	if !ed25519.Verify(s.PublicKey, bound, sig.Bytes) {
		return ErrBadSignature
	}
	return nil
}

// bindPayload assembles the bytes actually signed: session id, timestamp
// (millisecond precision, matching commit.Commit's own wire precision),
// nonce, and payload, each length-prefixed the same way internal/commit
// encodes a commit's hashed fields.
func bindPayload(sessionID string, ts time.Time, nonce string, payload []byte) []byte {
	var out []byte
	out = append(out, value.LengthPrefixed([]byte(sessionID))...)
	out = value.AppendUvarint(out, uint64(ts.UTC().UnixMilli()))
	out = append(out, value.LengthPrefixed([]byte(nonce))...)
	out = append(out, value.LengthPrefixed(payload)...)
	return out
}

// SignCommit signs c and returns the Signature to attach to it, matching
// internal/repository.Options.Signer's shape so a Pool can be wired in
// directly. It signs c.ID rather than re-deriving the canonical payload
// encoding: c.ID is already defined as hash(canonical payload) (§3), so a
// signature over the id is a signature over the canonical payload it
// commits to, without this package needing to duplicate internal/commit's
// private encoding.
func (p *Pool) SignCommit(sessionID string, c *commit.Commit) commit.Signature {
	sig, err := p.Sign(sessionID, []byte(c.ID))
	if err != nil {
		// Options.Signer has no error return (per §5, in-memory operations
		// here never suspend or fail); a session asked to sign without
		// being present or past its expiration yields an empty signature,
		// which VerifyCommit will then correctly reject.
		return commit.Signature{}
	}
	return sig
}

// VerifyCommit checks c's signature against c.ID, gating persist_commits
// per §4.10 ("unsigned or invalid commits are rejected at persist_commits").
func (p *Pool) VerifyCommit(c *commit.Commit) error {
	if c.Signature.SessionID == "" || len(c.Signature.Bytes) == 0 {
		return fmt.Errorf("trust: commit %s: %w", c.ID, ErrBadSignature)
	}
	if !commit.VerifyID(c) {
		return fmt.Errorf("trust: commit %s: id does not match its canonical payload", c.ID)
	}
	if err := p.Verify(c.Signature, []byte(c.ID)); err != nil {
		return fmt.Errorf("trust: commit %s: %w", c.ID, err)
	}
	return nil
}
