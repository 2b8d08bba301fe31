package snapshot

import (
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/blake2b"
)

// ManifestSuffix is appended to a snapshot path to name its manifest.
const ManifestSuffix = ".manifest.toml"

const (
	manifestVersion = 1
	digestPrefix    = "blake2b-256:"
)

// Manifest describes a snapshot file. It is written next to the snapshot and
// carries a digest of the uncompressed JSON.
//
// Partial marks a crawl interrupted before the frontier drained, with Pending ids
// discovered but never requested. RootMissing marks metrics computed without the
// root, so the per-node depth fields carry no information.
type Manifest struct {
	Version     int       `toml:"version"`
	RunID       string    `toml:"run_id"`
	Root        string    `toml:"root"`
	CreatedAt   time.Time `toml:"created_at"`
	Source      string    `toml:"source,omitempty"`
	Nodes       int       `toml:"nodes"`
	Edges       int       `toml:"edges"`
	Failed      int       `toml:"failed"`
	Analyzed    bool      `toml:"analyzed"`
	Acyclic     *bool     `toml:"acyclic,omitempty"`
	Partial     bool      `toml:"partial,omitempty"`
	Pending     int       `toml:"pending,omitempty"`
	RootMissing bool      `toml:"root_missing,omitempty"`
	Compression string    `toml:"compression"`
	Digest      string    `toml:"digest"`
}

// ManifestPath returns the manifest location for a snapshot path.
func ManifestPath(snapshotPath string) string {
	return snapshotPath + ManifestSuffix
}

// ReadManifest parses the manifest of snapshotPath. A missing manifest returns
// (nil, nil).
func ReadManifest(snapshotPath string) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(snapshotPath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

func writeManifest(snapshotPath string, m *Manifest) error {
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return writeFileAtomic(ManifestPath(snapshotPath), data)
}

func newDigest() hash.Hash {
	// New256 only fails for keys longer than 64 bytes
	h, _ := blake2b.New256(nil)
	return h
}

func formatDigest(h hash.Hash) string {
	return digestPrefix + hex.EncodeToString(h.Sum(nil))
}
