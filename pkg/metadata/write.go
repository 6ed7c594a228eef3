package metadata

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
)

// DiffID returns the SHA-256 digest of an uncompressed layer tar's bytes.
func DiffID(path string) (v1.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return v1.Hash{}, fmt.Errorf("metadata: opening %s: %w", path, err)
	}
	defer f.Close()

	h, _, err := v1.SHA256(f)
	if err != nil {
		return v1.Hash{}, fmt.Errorf("metadata: hashing %s: %w", path, err)
	}
	return h, nil
}

// ChainIDs computes the cumulative chain-id fold:
// chain(0) = diff(0); chain(i) = SHA256(chain(i-1) + " " + diff(i)).
func ChainIDs(diffIDs []string) ([]string, error) {
	if len(diffIDs) == 0 {
		return nil, nil
	}
	chains := make([]string, len(diffIDs))
	chains[0] = diffIDs[0]
	for i := 1; i < len(diffIDs); i++ {
		sum := sha256.Sum256([]byte(chains[i-1] + " " + diffIDs[i]))
		chains[i] = "sha256:" + hex.EncodeToString(sum[:])
	}
	return chains, nil
}

// RewriteParams bundles the inputs needed to produce a new config document
// from the original one:
//
//  1. retain history entries for the kept layers verbatim;
//  2. append one new history entry carrying the commit message, with
//     empty_layer true iff the squashed tar is absent;
//  3. replace rootfs.diff_ids with the new list.
type RewriteParams struct {
	RawConfig        []byte   // the original config document, as read by Read
	KeptHistoryCount int      // number of leading history entries to retain verbatim
	KeptDiffIDs      []string // diff_ids of kept real layers, in order
	SquashedDiffID   string   // diff_id of the new squashed layer; "" if none was produced
	Message          string   // commit message for the new history entry
}

// RewriteConfig produces the new config JSON and its image id
// ("sha256:" + SHA-256 of the canonical JSON form).
func RewriteConfig(p RewriteParams) (config []byte, imageID string, err error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(p.RawConfig, &doc); err != nil {
		return nil, "", fmt.Errorf("metadata: parsing config for rewrite: %w", err)
	}

	var original configDoc
	if err := json.Unmarshal(p.RawConfig, &original); err != nil {
		return nil, "", fmt.Errorf("metadata: parsing config history for rewrite: %w", err)
	}
	if p.KeptHistoryCount > len(original.History) {
		return nil, "", fmt.Errorf("metadata: kept history count %d exceeds %d existing entries", p.KeptHistoryCount, len(original.History))
	}

	newHistory := make([]historyEntry, 0, p.KeptHistoryCount+1)
	newHistory = append(newHistory, original.History[:p.KeptHistoryCount]...)
	newHistory = append(newHistory, historyEntry{
		Created:    time.Now().UTC().Format(time.RFC3339Nano),
		Comment:    p.Message,
		EmptyLayer: p.SquashedDiffID == "",
	})

	diffIDs := append([]string{}, p.KeptDiffIDs...)
	if p.SquashedDiffID != "" {
		diffIDs = append(diffIDs, p.SquashedDiffID)
	}

	historyBytes, err := json.Marshal(newHistory)
	if err != nil {
		return nil, "", fmt.Errorf("metadata: marshaling history: %w", err)
	}
	doc["history"] = historyBytes

	rootfs := struct {
		Type    string   `json:"type"`
		DiffIDs []string `json:"diff_ids"`
	}{Type: "layers", DiffIDs: diffIDs}
	if original.RootFS.Type != "" {
		rootfs.Type = original.RootFS.Type
	}
	rootfsBytes, err := json.Marshal(rootfs)
	if err != nil {
		return nil, "", fmt.Errorf("metadata: marshaling rootfs: %w", err)
	}
	doc["rootfs"] = rootfsBytes

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("metadata: marshaling rewritten config: %w", err)
	}

	h, _, err := v1.SHA256(bytes.NewReader(canonical))
	if err != nil {
		return nil, "", fmt.Errorf("metadata: hashing rewritten config: %w", err)
	}

	return canonical, h.String(), nil
}

// ShortImageID returns the first 12 hex digits of an image id of the form
// "sha256:<hex>", used to build the default output path from the input
// tar's parent directory when the caller doesn't supply one explicitly.
func ShortImageID(imageID string) string {
	hexDigest := imageID
	if d, err := digest.Parse(imageID); err == nil {
		hexDigest = d.Encoded()
	} else if i := strings.IndexByte(imageID, ':'); i >= 0 {
		hexDigest = imageID[i+1:]
	}
	if len(hexDigest) > 12 {
		return hexDigest[:12]
	}
	return hexDigest
}

// DockerManifestEntry is the single-image manifest.json entry this tool
// always emits for its output tar, regardless of the input's format.
type DockerManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags,omitempty"`
	Layers   []string `json:"Layers"`
}

// MarshalManifest renders the one-entry Docker manifest.json document.
func MarshalManifest(entry DockerManifestEntry) ([]byte, error) {
	b, err := json.MarshalIndent([]DockerManifestEntry{entry}, "", "")
	if err != nil {
		return nil, fmt.Errorf("metadata: marshaling manifest.json: %w", err)
	}
	return b, nil
}

// MarshalRepositories renders the `repositories` sidecar mapping a
// repo:tag reference to the new image's short id, written only when the
// caller supplied a tag.
func MarshalRepositories(repo, tag, shortImageID string) ([]byte, error) {
	doc := map[string]map[string]string{
		repo: {tag: shortImageID},
	}
	b, err := json.MarshalIndent(doc, "", "")
	if err != nil {
		return nil, fmt.Errorf("metadata: marshaling repositories: %w", err)
	}
	return b, nil
}
