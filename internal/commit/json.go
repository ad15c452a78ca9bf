package commit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/value"
)

// jsonCommit is the wire shape a Commit marshals to/from, per §6's on-disk
// log record and batch-sync payload format: {id, k, s, ts, bv, p, c, sig}.
// Age never appears here -- it's assigned locally on first observation and
// is explicitly excluded from the wire encoding, same as it's excluded from
// the hash payload.
type jsonCommit struct {
	ID           string         `json:"id"`
	Key          string         `json:"k"`
	Session      string         `json:"s"`
	Timestamp    int64          `json:"ts"` // ms since epoch, UTC
	BuildVersion string         `json:"bv,omitempty"`
	Parents      []string       `json:"p,omitempty"`
	Contents     jsonContents   `json:"c"`
	Signature    *jsonSignature `json:"sig,omitempty"`
}

// jsonContents is contents' compact wire shape: a full snapshot under "d",
// or a delta under "delta". Exactly one is present, mirroring Contents
// itself having exactly one of Snapshot or Delta set.
type jsonContents struct {
	Snapshot map[string]value.Value `json:"d,omitempty"`
	Delta    *jsonDelta             `json:"delta,omitempty"`
}

type jsonDelta struct {
	Base string         `json:"base"`
	Ops  item.ChangeSet `json:"ops"`
}

// jsonSignature is sig's wire shape. §6 glosses this as "sig: base64", but
// §4.10 defines sign/verify over {session_id, signature_bytes, timestamp,
// nonce}, and internal/trust.Pool.Verify needs all four to resolve the
// signing session and reconstruct the bound payload -- none is redundant
// with the commit's own Session/Timestamp fields, since a signature can be
// minted after the commit's content timestamp and binds its own nonce. So
// "base64" here means the signature bytes sub-field, not the whole thing.
type jsonSignature struct {
	SessionID string `json:"sid"`
	Bytes     []byte `json:"b"` // base64, via encoding/json's []byte handling
	Timestamp int64  `json:"ts"`
	Nonce     string `json:"n"`
}

// MarshalJSON implements json.Marshaler, encoding c per §6's wire format.
func (c Commit) MarshalJSON() ([]byte, error) {
	jc := jsonCommit{
		ID:           c.ID,
		Key:          c.Key,
		Session:      c.Session,
		Timestamp:    c.Timestamp.UTC().UnixMilli(),
		BuildVersion: c.BuildVersion,
		Parents:      c.Parents,
		Contents:     contentsToJSON(c.Contents),
	}
	if !c.Signature.isZero() {
		jc.Signature = signatureToJSON(c.Signature)
	}
	return json.Marshal(jc)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Commit) UnmarshalJSON(data []byte) error {
	var jc jsonCommit
	if err := json.Unmarshal(data, &jc); err != nil {
		return err
	}
	contents, err := contentsFromJSON(jc.Contents)
	if err != nil {
		return fmt.Errorf("commit: decoding contents: %w", err)
	}
	out := Commit{
		ID:           jc.ID,
		Key:          jc.Key,
		Session:      jc.Session,
		Timestamp:    time.UnixMilli(jc.Timestamp).UTC(),
		BuildVersion: jc.BuildVersion,
		Parents:      jc.Parents,
		Contents:     contents,
	}
	if jc.Signature != nil {
		out.Signature = signatureFromJSON(*jc.Signature)
	}
	*c = out
	return nil
}

func (s Signature) isZero() bool {
	return s.SessionID == "" && len(s.Bytes) == 0 && s.Timestamp.IsZero() && s.Nonce == ""
}

func contentsToJSON(c Contents) jsonContents {
	if c.Delta != nil {
		return jsonContents{Delta: &jsonDelta{Base: c.Delta.Base, Ops: c.Delta.Ops}}
	}
	return jsonContents{Snapshot: c.Snapshot}
}

func contentsFromJSON(jc jsonContents) (Contents, error) {
	if jc.Delta != nil {
		return Contents{Delta: &Delta{Base: jc.Delta.Base, Ops: jc.Delta.Ops}}, nil
	}
	return Contents{Snapshot: jc.Snapshot}, nil
}

func signatureToJSON(s Signature) *jsonSignature {
	return &jsonSignature{
		SessionID: s.SessionID,
		Bytes:     s.Bytes,
		Timestamp: s.Timestamp.UTC().UnixMilli(),
		Nonce:     s.Nonce,
	}
}

func signatureFromJSON(js jsonSignature) Signature {
	return Signature{
		SessionID: js.SessionID,
		Bytes:     js.Bytes,
		Timestamp: time.UnixMilli(js.Timestamp).UTC(),
		Nonce:     js.Nonce,
	}
}
