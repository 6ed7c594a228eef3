package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/ocitools/oci-squash/pkg/archive"
	"github.com/ocitools/oci-squash/pkg/imagefmt"
	"github.com/ocitools/oci-squash/pkg/metadata"
	"github.com/ocitools/oci-squash/pkg/squash"
)

type runOptions struct {
	imageTarPath string
	fromLayer    string
	tag          string
	message      string
	tmpDir       string
	outputPath   string
	log          *slog.Logger
}

// exitCodeFor maps an error kind to a process exit code per the external
// interface: 0 success, 2 the unnecessary-squash condition, nonzero
// otherwise.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, squash.ErrUnnecessarySquash) {
		return 2
	}
	return 1
}

// run sequences extract -> detect format -> read metadata -> split
// keep/squash -> squash engine -> copy preserved layers -> write metadata ->
// pack output, and returns the path written. The work directory is cleaned
// up on every exit path (success, failure, or signal) unless the caller
// supplied an explicit --tmp-dir.
func run(opts runOptions) (string, error) {
	info, err := os.Stat(opts.imageTarPath)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", opts.imageTarPath, errInputMissing)
	}

	workDir := opts.tmpDir
	autoAllocated := workDir == ""
	if autoAllocated {
		workDir = "./.oci-squash-work"
	}
	oldRoot := filepath.Join(workDir, "old")
	newRoot := filepath.Join(workDir, "new")
	if err := os.MkdirAll(oldRoot, 0o755); err != nil {
		return "", fmt.Errorf("creating work directory: %w", err)
	}
	if err := os.MkdirAll(newRoot, 0o755); err != nil {
		return "", fmt.Errorf("creating work directory: %w", err)
	}

	cleanup := func() {
		if autoAllocated {
			os.RemoveAll(workDir)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			cleanup()
			os.Exit(130)
		case <-done:
		}
	}()
	defer func() {
		close(done)
		signal.Stop(sigs)
		cleanup()
	}()

	outPath, err := runPipeline(opts, oldRoot, newRoot)
	if err != nil {
		return "", err
	}
	return outPath, nil
}

func runPipeline(opts runOptions, oldRoot, newRoot string) (string, error) {
	if err := archive.Extract(opts.imageTarPath, oldRoot, opts.log); err != nil {
		return "", fmt.Errorf("extracting %s: %w", opts.imageTarPath, err)
	}

	format, err := imagefmt.Detect(oldRoot)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errFormatError, err)
	}

	img, err := metadata.Read(oldRoot, format)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errFormatError, err)
	}

	keepCount, err := resolveFromLayer(img.LayerIDs, opts.fromLayer)
	if err != nil {
		return "", err
	}
	keepLayers := img.LayerIDs[:keepCount]
	squashLayers := img.LayerIDs[keepCount:]

	var squashInputs []squash.LayerInput
	for _, id := range squashLayers {
		digest, ok := id.Real()
		if !ok {
			continue
		}
		path, err := imagefmt.LayerTarPath(oldRoot, format, digest)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errFormatError, err)
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", errMissingLayerTar, path)
		}
		squashInputs = append(squashInputs, squash.LayerInput{ID: digest, Path: path})
	}

	squashedDir := filepath.Join(newRoot, "squashed")
	if err := os.MkdirAll(squashedDir, 0o755); err != nil {
		return "", err
	}
	squashedTarPath := filepath.Join(squashedDir, "layer.tar")

	produced, err := squash.Squash(squashInputs, squashedTarPath)
	if err != nil {
		return "", err
	}

	var keptDiffIDs []string
	var manifestLayers []string
	for _, id := range keepLayers {
		digest, ok := id.Real()
		if !ok {
			continue
		}
		srcPath, err := imagefmt.LayerTarPath(oldRoot, format, digest)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errFormatError, err)
		}
		if _, err := os.Stat(srcPath); err != nil {
			return "", fmt.Errorf("%w: %s", errMissingLayerTar, srcPath)
		}
		if err := archive.CopyPreserved(srcPath, newRoot, imagefmt.Docker, digest, opts.log); err != nil {
			return "", fmt.Errorf("copying kept layer %s: %w", digest, err)
		}
		keptDiffIDs = append(keptDiffIDs, digest)
		manifestLayers = append(manifestLayers, manifestLayerEntry(digest))
	}

	squashedDiffID := ""
	if produced {
		h, err := metadata.DiffID(squashedTarPath)
		if err != nil {
			return "", fmt.Errorf("hashing squashed layer: %w", err)
		}
		squashedDiffID = h.String()
		if err := archive.CopyPreserved(squashedTarPath, newRoot, imagefmt.Docker, squashedDiffID, opts.log); err != nil {
			return "", fmt.Errorf("placing squashed layer: %w", err)
		}
		manifestLayers = append(manifestLayers, manifestLayerEntry(squashedDiffID))
	}

	if opts.log != nil {
		allDiffIDs := append(append([]string{}, keptDiffIDs...), squashedDiffID)
		if chains, err := metadata.ChainIDs(allDiffIDs); err == nil {
			opts.log.Debug("computed chain ids", slog.Any("chain_ids", chains))
		}
	}

	newConfig, imageID, err := metadata.RewriteConfig(metadata.RewriteParams{
		RawConfig:        img.Config,
		KeptHistoryCount: keepCount,
		KeptDiffIDs:      keptDiffIDs,
		SquashedDiffID:   squashedDiffID,
		Message:          opts.message,
	})
	if err != nil {
		return "", fmt.Errorf("rewriting config: %w", err)
	}

	configName := imageID[len("sha256:"):] + ".json"
	if err := os.WriteFile(filepath.Join(newRoot, configName), newConfig, 0o644); err != nil {
		return "", fmt.Errorf("writing config: %w", err)
	}

	var repoTags []string
	repo, tag, hasTag := splitRepoTag(opts.tag)
	if hasTag {
		repoTags = []string{opts.tag}
	}
	manifestBytes, err := metadata.MarshalManifest(metadata.DockerManifestEntry{
		Config:   configName,
		RepoTags: repoTags,
		Layers:   manifestLayers,
	})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(newRoot, "manifest.json"), manifestBytes, 0o644); err != nil {
		return "", fmt.Errorf("writing manifest.json: %w", err)
	}

	if hasTag {
		reposBytes, err := metadata.MarshalRepositories(repo, tag, metadata.ShortImageID(imageID))
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(newRoot, "repositories"), reposBytes, 0o644); err != nil {
			return "", fmt.Errorf("writing repositories: %w", err)
		}
	}

	outPath := opts.outputPath
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(opts.imageTarPath), metadata.ShortImageID(imageID)+".tar")
	}
	if err := archive.Pack(newRoot, outPath, opts.log); err != nil {
		return "", fmt.Errorf("packing %s: %w", outPath, err)
	}

	return outPath, nil
}

// resolveFromLayer interprets --from-layer against the full bottom-to-top
// layer id list and returns how many leading (oldest) layers are kept
// unchanged; the remainder are squashed. An empty from squashes everything.
func resolveFromLayer(layerIDs []metadata.LayerID, from string) (keepCount int, err error) {
	if from == "" {
		return 0, nil
	}

	if n, convErr := strconv.Atoi(from); convErr == nil {
		if n <= 0 || n > len(layerIDs) {
			return 0, fmt.Errorf("%w: --from-layer %d must be in [1,%d]", errInvalidRange, n, len(layerIDs))
		}
		return len(layerIDs) - n, nil
	}

	id, parseErr := metadata.ParseLayerID(from)
	if parseErr != nil {
		return 0, fmt.Errorf("%w: %v", errLayerResolution, parseErr)
	}
	idx := -1
	for i, l := range layerIDs {
		if l == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("%w: layer %q not found in image history", errLayerResolution, from)
	}
	keepCount = idx + 1
	if keepCount >= len(layerIDs) {
		return 0, fmt.Errorf("%w: layer %q has no layers above it to squash", errInvalidRange, from)
	}
	return keepCount, nil
}

// manifestLayerEntry renders the manifest.json "Layers" entry for a layer
// written by archive.CopyPreserved into a Docker-layout root: the per-layer
// directory holding layer.tar, keyed by the layer's digest.
func manifestLayerEntry(digest string) string {
	return filepath.ToSlash(filepath.Join(imagefmt.DockerLayerDir("", digest), "layer.tar"))
}

// splitRepoTag splits a "repo:tag" reference; hasTag is false for an empty
// input.
func splitRepoTag(ref string) (repo, tag string, hasTag bool) {
	if ref == "" {
		return "", "", false
	}
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:], true
		}
		if ref[i] == '/' {
			break
		}
	}
	return ref, "latest", true
}
