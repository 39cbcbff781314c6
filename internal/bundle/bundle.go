// Package bundle moves records between separate stores. A bundle is a
// signed snapshot of entries and links that another peer ingests, so two
// stores that exchange bundles converge on the same graph.
package bundle

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"

	"github.com/CanopyHQ/tendril/internal/chat"
	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/CanopyHQ/tendril/internal/identity"
	"github.com/CanopyHQ/tendril/internal/metrics"
)

// Magic bytes for .tndl files: TNDL
var MagicBytes = []byte{0x54, 0x4E, 0x44, 0x4C}

// Version 1
const Version = 1

var (
	ErrNotBundle       = errors.New("invalid file format: not a .tndl bundle")
	ErrDigestMismatch  = errors.New("bundle payload does not match its manifest digest")
	ErrUnsupportedFile = errors.New("unsupported bundle version")
)

// Manifest describes a bundle. Signature covers every other field.
type Manifest struct {
	ID           string            `json:"id"`
	Signer       edgestore.Address `json:"signer"`
	Conversation edgestore.Address `json:"conversation,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	EntryCount   int               `json:"entry_count"`
	LinkCount    int               `json:"link_count"`
	Digest       string            `json:"digest"`
	Signature    string            `json:"signature"`
}

// Payload is the JSON content inside the gzip stream.
type Payload struct {
	Manifest Manifest          `json:"manifest"`
	Entries  []edgestore.Entry `json:"entries"`
	Links    []edgestore.Link  `json:"links"`
}

// ImportResult counts what an import added or skipped.
type ImportResult struct {
	Entries int      `json:"entries"`
	Links   int      `json:"links"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Export collects records from store. With a non-empty conversation only
// that conversation's messages, membership and member profiles are taken.
func Export(ctx context.Context, store edgestore.Store, signer *identity.Identity, conversation edgestore.Address) (*Payload, error) {
	entries, err := store.Entries(ctx)
	if err != nil {
		return nil, err
	}
	links, err := store.Links(ctx)
	if err != nil {
		return nil, err
	}
	if conversation != "" {
		entries, links = scope(entries, links, conversation)
	}

	p := &Payload{Entries: entries, Links: links}
	if p.Entries == nil {
		p.Entries = []edgestore.Entry{}
	}
	if p.Links == nil {
		p.Links = []edgestore.Link{}
	}
	digest, err := digestOf(p.Entries, p.Links)
	if err != nil {
		return nil, err
	}
	p.Manifest = Manifest{
		ID:           ulid.Make().String(),
		Signer:       signer.Address(),
		Conversation: conversation,
		CreatedAt:    time.Now().UTC(),
		EntryCount:   len(p.Entries),
		LinkCount:    len(p.Links),
		Digest:       digest,
	}
	signed, err := signedBytes(p.Manifest)
	if err != nil {
		return nil, err
	}
	p.Manifest.Signature = signer.Sign(signed)

	metrics.BundleRecords.WithLabelValues("export", "entry").Add(float64(len(p.Entries)))
	metrics.BundleRecords.WithLabelValues("export", "link").Add(float64(len(p.Links)))
	return p, nil
}

// scope keeps the links tagged with conv or touching it, the links to the
// profiles of its members, and every entry those links reference.
func scope(entries []edgestore.Entry, links []edgestore.Link, conv edgestore.Address) ([]edgestore.Entry, []edgestore.Link) {
	keep := map[edgestore.Address]bool{conv: true}
	members := map[edgestore.Address]bool{}
	var out []edgestore.Link
	for _, l := range links {
		if l.Tag == string(conv) || l.Base == conv || l.Target == conv {
			out = append(out, l)
			keep[l.Base] = true
			keep[l.Target] = true
			if l.Base == conv && l.Type == chat.LinkHasMember {
				members[l.Target] = true
			}
		}
	}
	for _, l := range links {
		if members[l.Base] && l.Type == chat.LinkProfile {
			out = append(out, l)
			keep[l.Target] = true
		}
	}

	var kept []edgestore.Entry
	for _, e := range entries {
		if keep[e.Address] {
			kept = append(kept, e)
		}
	}
	return kept, out
}

func digestOf(entries []edgestore.Entry, links []edgestore.Link) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	if err := enc.Encode(entries); err != nil {
		return "", fmt.Errorf("failed to hash entries: %w", err)
	}
	if err := enc.Encode(links); err != nil {
		return "", fmt.Errorf("failed to hash links: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func signedBytes(m Manifest) ([]byte, error) {
	m.Signature = ""
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

// Verify checks the manifest signature and the payload digest.
func (p *Payload) Verify() error {
	signed, err := signedBytes(p.Manifest)
	if err != nil {
		return err
	}
	if err := identity.Verify(p.Manifest.Signer, signed, p.Manifest.Signature); err != nil {
		return err
	}
	digest, err := digestOf(p.Entries, p.Links)
	if err != nil {
		return err
	}
	if digest != p.Manifest.Digest {
		return ErrDigestMismatch
	}
	return nil
}

// Import verifies p and writes its records into store. Entries go through
// Ingest, so the importing peer's local log is untouched. An entry whose
// content does not match its address is skipped and reported.
func Import(ctx context.Context, store edgestore.Store, p *Payload) (*ImportResult, error) {
	if err := p.Verify(); err != nil {
		return nil, err
	}

	res := &ImportResult{}
	for _, e := range p.Entries {
		if err := store.Ingest(ctx, e); err != nil {
			if errors.Is(err, edgestore.ErrAddressMismatch) {
				res.Skipped++
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			return res, err
		}
		res.Entries++
	}
	for _, l := range p.Links {
		if err := store.Link(ctx, l.Base, l.Target, l.Type, l.Tag); err != nil {
			return res, err
		}
		res.Links++
	}

	metrics.BundleRecords.WithLabelValues("import", "entry").Add(float64(res.Entries))
	metrics.BundleRecords.WithLabelValues("import", "link").Add(float64(res.Links))
	log.Info("Imported bundle", "id", p.Manifest.ID, "signer", p.Manifest.Signer.Short(),
		"entries", res.Entries, "links", res.Links, "skipped", res.Skipped)
	return res, nil
}

// Write encodes p to w.
func Write(w io.Writer, p *Payload) error {
	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(Version)); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(p); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return gz.Close()
}

// Read decodes a bundle from r. It does not verify the signature.
func Read(r io.Reader) (*Payload, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, ErrNotBundle
	}

	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d (expected %d)", ErrUnsupportedFile, version, Version)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var p Payload
	if err := json.NewDecoder(gz).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &p, nil
}

// WriteFile writes p to path.
func WriteFile(path string, p *Payload) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Write(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads the bundle at path.
func ReadFile(path string) (*Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Inspect returns the manifest of the bundle at path.
func Inspect(path string) (*Manifest, error) {
	p, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &p.Manifest, nil
}
