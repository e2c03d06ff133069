package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/neuromesh/pkg/archive"
	"github.com/Mindburn-Labs/neuromesh/pkg/chain"
)

// Evidence pack entry names.
const (
	packManifestName = "manifest.json"
	packEventsName   = "events.jsonl"
)

// Manifest describes an archived evidence pack. It travels inside the pack
// as manifest.json and is returned to the caller with the archive URL.
type Manifest struct {
	PackID        string    `json:"pack_id"`
	FormatVersion string    `json:"format_version"`
	Stream        string    `json:"stream"`
	CreatedAt     time.Time `json:"created_at"`
	FromSequence  uint64    `json:"from_sequence"`
	ToSequence    uint64    `json:"to_sequence"`
	EventCount    int       `json:"event_count"`
	TipHash       string    `json:"tip_hash"`
	BundleHash    string    `json:"bundle_hash"`
	PackDigest    string    `json:"pack_digest"`
	Verified      bool      `json:"verified"`
	URL           string    `json:"url,omitempty"`
}

// ExportPack exports the range as a zip evidence pack and writes it to the
// sink under <stream>/<pack id>.zip. The pack holds the events as JSON
// lines plus a manifest carrying the range, the tip, and digests an
// auditor can recheck offline. Sinks are write-once, so an archived pack
// can never be silently replaced.
func (x *Exporter) ExportPack(ctx context.Context, stream string, from, to uint64, sink archive.Sink) (*Manifest, error) {
	if sink == nil {
		return nil, fmt.Errorf("audit: sink is required")
	}

	bundle, err := x.Export(ctx, stream, from, to)
	if err != nil {
		return nil, err
	}

	var lines bytes.Buffer
	for _, ev := range bundle.Events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("audit: encoding event %d: %w", ev.Sequence, err)
		}
		lines.Write(raw)
		lines.WriteByte('\n')
	}

	digest := sha256.Sum256(lines.Bytes())
	manifest := Manifest{
		PackID:        bundle.BundleID,
		FormatVersion: bundle.FormatVersion,
		Stream:        bundle.Stream,
		CreatedAt:     bundle.CreatedAt,
		FromSequence:  bundle.FromSequence,
		ToSequence:    bundle.ToSequence,
		EventCount:    bundle.EventCount,
		TipHash:       bundle.TipHash,
		BundleHash:    bundle.BundleHash,
		PackDigest:    "sha256:" + hex.EncodeToString(digest[:]),
		Verified:      true,
	}

	manifestJSON, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: encoding manifest: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{packManifestName, manifestJSON},
		{packEventsName, lines.Bytes()},
	} {
		w, err := zw.Create(entry.name)
		if err != nil {
			return nil, fmt.Errorf("audit: creating %s: %w", entry.name, err)
		}
		if _, err := w.Write(entry.data); err != nil {
			return nil, fmt.Errorf("audit: writing %s: %w", entry.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("audit: finalizing pack: %w", err)
	}

	name := fmt.Sprintf("%s/%s.zip", bundle.Stream, bundle.BundleID)
	url, err := sink.Put(ctx, name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("audit: archiving pack %s: %w", name, err)
	}
	manifest.URL = url
	return &manifest, nil
}

// ReadPack parses and fully verifies an evidence pack: the events digest
// recorded in the manifest, the hash links between events, and each
// event's content hash. It needs no access to the originating store or
// sink, which is the point of an evidence pack.
func ReadPack(r io.ReaderAt, size int64) (*Manifest, *Bundle, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: opening pack: %w", err)
	}

	entries := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("audit: opening %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("audit: reading %s: %w", f.Name, err)
		}
		entries[f.Name] = data
	}

	manifestJSON, ok := entries[packManifestName]
	if !ok {
		return nil, nil, fmt.Errorf("audit: pack has no %s", packManifestName)
	}
	lines, ok := entries[packEventsName]
	if !ok {
		return nil, nil, fmt.Errorf("audit: pack has no %s", packEventsName)
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, nil, fmt.Errorf("audit: corrupt manifest: %w", err)
	}

	digest := sha256.Sum256(lines)
	if got := "sha256:" + hex.EncodeToString(digest[:]); got != manifest.PackDigest {
		return nil, nil, fmt.Errorf("audit: pack digest mismatch: computed %s, recorded %s", got, manifest.PackDigest)
	}

	var events []*chain.Event
	for i, line := range bytes.Split(lines, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev chain.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, nil, fmt.Errorf("audit: corrupt event on line %d: %w", i+1, err)
		}
		events = append(events, &ev)
	}
	if len(events) != manifest.EventCount {
		return nil, nil, fmt.Errorf("audit: pack holds %d events, manifest says %d", len(events), manifest.EventCount)
	}

	bundle := &Bundle{
		BundleID:      manifest.PackID,
		FormatVersion: manifest.FormatVersion,
		Stream:        manifest.Stream,
		CreatedAt:     manifest.CreatedAt,
		FromSequence:  manifest.FromSequence,
		ToSequence:    manifest.ToSequence,
		EventCount:    manifest.EventCount,
		Events:        events,
		TipHash:       manifest.TipHash,
		BundleHash:    manifest.BundleHash,
	}
	if err := VerifyBundle(bundle); err != nil {
		return nil, nil, err
	}
	return &manifest, bundle, nil
}
