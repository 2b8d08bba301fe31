// Package snapshot reads and writes the graph interchange file: a JSON object
// keyed by node id, in insertion order, optionally zstd-compressed, with a TOML
// manifest alongside.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"icdgraph/internal/errors"
	"icdgraph/internal/graph"
)

// CompressedSuffix selects zstd compression on Save and Load.
const CompressedSuffix = ".zst"

const (
	compressionNone = "none"
	compressionZstd = "zstd"
)

// Compressed reports whether path names a zstd snapshot.
func Compressed(path string) bool {
	return strings.HasSuffix(path, CompressedSuffix)
}

// Save writes g to path and its manifest next to it. Fields of meta that Save can
// derive (counts, digest, compression, run id, time) are filled in; the final
// manifest is returned.
func Save(path string, g *graph.Graph, meta Manifest) (*Manifest, error) {
	digest := newDigest()

	var buf bytes.Buffer
	var sink io.Writer = &buf
	var enc *zstd.Encoder
	meta.Compression = compressionNone
	if Compressed(path) {
		var err error
		enc, err = zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		sink = enc
		meta.Compression = compressionZstd
	}

	w := bufio.NewWriterSize(io.MultiWriter(sink, digest), 1<<16)
	if err := Encode(w, g); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress snapshot: %w", err)
		}
	}

	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return nil, err
	}

	meta.Version = manifestVersion
	if meta.RunID == "" {
		meta.RunID = uuid.NewString()
	}
	if meta.Root == "" {
		meta.Root = graph.RootID
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	meta.Nodes = g.Len()
	meta.Edges = g.ChildEdgeCount()
	meta.Failed = g.StubCount()
	meta.Analyzed = g.Analyzed()
	meta.Digest = formatDigest(digest)

	if err := writeManifest(path, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Encode writes g as a JSON object in insertion order.
func Encode(w io.Writer, g *graph.Graph) error {
	if _, err := io.WriteString(w, "{"); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	var encErr error
	first := true
	g.Range(func(id string, n *graph.Node) bool {
		key, err := json.Marshal(id)
		if err != nil {
			encErr = err
			return false
		}
		value, err := json.Marshal(n)
		if err != nil {
			encErr = fmt.Errorf("node %s: %w", id, err)
			return false
		}
		if !first {
			if _, encErr = io.WriteString(w, ","); encErr != nil {
				return false
			}
		}
		first = false
		if _, encErr = w.Write(key); encErr != nil {
			return false
		}
		if _, encErr = io.WriteString(w, ":"); encErr != nil {
			return false
		}
		_, encErr = w.Write(value)
		return encErr == nil
	})
	if encErr != nil {
		return fmt.Errorf("failed to encode snapshot: %w", encErr)
	}

	if _, err := io.WriteString(w, "}\n"); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot and, when a manifest exists, verifies its digest. The
// manifest is nil for snapshots written without one.
func Load(path string) (*graph.Graph, *Manifest, error) {
	m, err := ReadManifest(path)
	if err != nil {
		return nil, nil, errors.NewError(errors.SnapshotInvalid, path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.NewError(errors.SnapshotInvalid, "failed to open snapshot", err).
			WithDetails(map[string]interface{}{"path": path})
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = bufio.NewReaderSize(f, 1<<16)
	if Compressed(path) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, errors.NewError(errors.SnapshotInvalid, "failed to open zstd stream", err)
		}
		defer dec.Close()
		r = dec
	}

	digest := newDigest()
	g, err := Decode(io.TeeReader(r, digest))
	if err != nil {
		return nil, nil, errors.NewError(errors.SnapshotInvalid, path, err)
	}

	if m != nil {
		if got := formatDigest(digest); got != m.Digest {
			return nil, nil, errors.Errorf(errors.SnapshotCorrupt, "%s does not match its manifest", path).
				WithDetails(map[string]interface{}{
					"snapshot": path,
					"expected": m.Digest,
					"actual":   got,
				})
		}
	}
	return g, m, nil
}

// Decode reads a snapshot object, keeping key order. The reader is consumed to EOF.
func Decode(r io.Reader) (*graph.Graph, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("snapshot must be a JSON object, found %v", tok)
	}

	g := graph.New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read node id: %w", err)
		}
		id, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected node id, found %v", tok)
		}

		var n graph.Node
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		node := graph.NewNode(n.Title, n.Parents, n.Children)
		node.Metrics = n.Metrics
		if !g.Insert(id, node) {
			return nil, fmt.Errorf("duplicate node id %q", id)
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot end: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after snapshot object")
	}
	return g, nil
}

// writeFileAtomic replaces path through a temporary file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
