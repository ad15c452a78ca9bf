// Package goatctx bundles the process-wide, read-mostly dependencies every
// repository and query needs -- the schema registry and the trust pool --
// behind one explicit value instead of package-level globals. Per §5,
// "the trust pool and schema registry are shared read-mostly; updates
// happen at init and are fenced before any repository opens" -- Context is
// the thing that gets fenced once at startup and handed to everything else.
package goatctx

import (
	"fmt"

	"github.com/goatdb/goatdb/internal/commit"
	"github.com/goatdb/goatdb/internal/query"
	"github.com/goatdb/goatdb/internal/repository"
	"github.com/goatdb/goatdb/internal/schema"
	"github.com/goatdb/goatdb/internal/trust"
)

// BuildInfo identifies the running peer on the wire (§4.8's build_version
// field) and in its own commits.
type BuildInfo struct {
	Version string
	Commit  string
}

// Context holds what the teacher's internal/context.ContextManager held for
// its multi-tenant registry config -- one shared, explicitly-threaded
// object instead of ambient global state -- repurposed here for GoatDB's
// actual shared dependencies: schemas and trust, not tenant configs.
type Context struct {
	Schemas   *schema.Registry
	TrustPool *trust.Pool
	BuildInfo BuildInfo
}

// New returns a Context. schemas and trustPool must already be fully
// populated -- Context never mutates them, matching the read-mostly
// contract in §5.
func New(schemas *schema.Registry, trustPool *trust.Pool, build BuildInfo) *Context {
	return &Context{Schemas: schemas, TrustPool: trustPool, BuildInfo: build}
}

// OpenRepository opens the repository at path for (ns, version), wiring
// this Context's registry, build version, and -- if session is a trust
// pool session this Context knows the private key for -- signing and
// verification, so every repository in the process is consistently signed
// and gated without each caller re-assembling Options by hand.
func (c *Context) OpenRepository(path, ns string, version int, session string) (*repository.Repository, error) {
	opts := repository.Options{
		Namespace:    ns,
		Version:      version,
		Registry:     c.Schemas,
		Session:      session,
		BuildVersion: c.BuildInfo.Version,
	}
	if c.TrustPool != nil {
		opts.Signer = func(cm *commit.Commit) commit.Signature {
			return c.TrustPool.SignCommit(session, cm)
		}
		opts.Verifier = c.TrustPool.VerifyCommit
	}
	r, err := repository.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("goatctx: opening repository at %s: %w", path, err)
	}
	return r, nil
}

// NewQuery builds a query.Query bound to repo using this Context's
// conventions -- currently pass-through, but the single seam through which
// future cross-cutting query concerns (e.g. a shared result cache directory
// per Context) would be threaded rather than added to every call site.
func (c *Context) NewQuery(repo *repository.Repository, def query.Definition) *query.Query {
	return query.New(repo, def)
}
