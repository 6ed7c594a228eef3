package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocitools/oci-squash/pkg/imagefmt"
	"github.com/ocitools/oci-squash/pkg/ociplatform"
)

// dockerManifestEntry mirrors one element of a `docker save` manifest.json.
type dockerManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// historyEntry is the subset of an OCI/Docker config's history array this
// tool reads and rewrites.
type historyEntry struct {
	Created    string `json:"created,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	Author     string `json:"author,omitempty"`
	Comment    string `json:"comment,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`
}

// configDoc is the subset of the image config JSON this tool reads and
// rewrites: the ordered diff_id list and the history entries that explain
// which positions are synthetic ("empty_layer") and which carry real tar
// content.
type configDoc struct {
	RootFS struct {
		Type    string   `json:"type"`
		DiffIDs []string `json:"diff_ids"`
	} `json:"rootfs"`
	History []historyEntry `json:"history"`
}

// Read parses root (already detected as format) into an Image.
func Read(root string, format imagefmt.Format) (*Image, error) {
	switch format {
	case imagefmt.Docker:
		return readDocker(root)
	case imagefmt.OCI:
		return readOCI(root)
	default:
		return nil, fmt.Errorf("metadata: unknown format %v", format)
	}
}

func readDocker(root string) (*Image, error) {
	manifestPath := filepath.Join(root, "manifest.json")
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("metadata: reading %s: %w", manifestPath, err)
	}

	var entries []dockerManifestEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("metadata: parsing %s: %w", manifestPath, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("metadata: %s contains no images", manifestPath)
	}
	entry := entries[0]

	configPath := filepath.Join(root, entry.Config)
	config, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("metadata: reading config %s: %w", configPath, err)
	}

	var doc configDoc
	if err := json.Unmarshal(config, &doc); err != nil {
		return nil, fmt.Errorf("metadata: parsing config %s: %w", configPath, err)
	}

	return &Image{
		Format:   imagefmt.Docker,
		LayerIDs: interleaveLayerIDs(doc.History, doc.RootFS.DiffIDs),
		Config:   config,
	}, nil
}

func readOCI(root string) (*Image, error) {
	indexPath := filepath.Join(root, "index.json")
	b, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("metadata: reading %s: %w", indexPath, err)
	}

	var idx specsv1.Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("metadata: parsing %s: %w", indexPath, err)
	}

	manifestDesc, err := ociplatform.SelectManifest(idx, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: selecting manifest from %s: %w", indexPath, err)
	}

	manifestPath := imagefmt.BlobPath(root, manifestDesc.Digest.String())
	mb, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("metadata: reading manifest blob %s: %w", manifestPath, err)
	}

	var manifest specsv1.Manifest
	if err := json.Unmarshal(mb, &manifest); err != nil {
		return nil, fmt.Errorf("metadata: parsing manifest blob %s: %w", manifestPath, err)
	}

	configPath := imagefmt.BlobPath(root, manifest.Config.Digest.String())
	config, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("metadata: reading config blob %s: %w", configPath, err)
	}

	var doc configDoc
	if err := json.Unmarshal(config, &doc); err != nil {
		return nil, fmt.Errorf("metadata: parsing config blob %s: %w", configPath, err)
	}

	return &Image{
		Format:   imagefmt.OCI,
		LayerIDs: interleaveLayerIDs(doc.History, doc.RootFS.DiffIDs),
		Config:   config,
	}, nil
}

// interleaveLayerIDs walks history in order, consuming one diff_id per
// non-empty entry and minting a synthetic placeholder (numbered in
// encounter order) per empty_layer entry.
func interleaveLayerIDs(history []historyEntry, diffIDs []string) []LayerID {
	ids := make([]LayerID, 0, len(history))
	next := 0
	missing := 0
	for _, h := range history {
		if h.EmptyLayer {
			missing++
			ids = append(ids, syntheticLayerID(missing))
			continue
		}
		if next >= len(diffIDs) {
			// Malformed input: more non-empty history entries than
			// diff_ids. Stop rather than panic; the returned list then
			// holds fewer entries than history, and no error is reported.
			break
		}
		ids = append(ids, realLayerID(diffIDs[next]))
		next++
	}
	return ids
}
