// Copyright 2024-2025 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ociplatform

import (
	"errors"
	"fmt"

	"github.com/containerd/platforms"
	ggcrv1 "github.com/google/go-containerregistry/pkg/v1"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// specsPlatform converts a ggcr v1.Platform to a specs-go v1.Platform.
func specsPlatform(p ggcrv1.Platform) specsv1.Platform {
	return specsv1.Platform{
		Architecture: p.Architecture,
		OS:           p.OS,
		OSVersion:    p.OSVersion,
		OSFeatures:   p.OSFeatures,
		Variant:      p.Variant,
	}
}

// ggcrPlatform converts a specs-go v1.Platform to a ggcr v1.Platform.
func ggcrPlatform(p specsv1.Platform) ggcrv1.Platform {
	return ggcrv1.Platform{
		Architecture: p.Architecture,
		OS:           p.OS,
		OSVersion:    p.OSVersion,
		OSFeatures:   p.OSFeatures,
		Variant:      p.Variant,
	}
}

// DefaultPlatform returns the local machine's platform as a ggcr v1.Platform.
func DefaultPlatform() *ggcrv1.Platform {
	dp := ggcrPlatform(platforms.DefaultSpec())
	return &dp
}

// ErrNoManifestSelected is returned by SelectManifest when none of an OCI
// index's entries satisfy the requested platform.
var ErrNoManifestSelected = errors.New("ociplatform: no manifest in index satisfies platform")

// descriptorSatisfiesSpecs reports whether desc's platform (if any) matches
// platform, using the containerd/platforms matcher's normalization rules. A
// descriptor with no platform is considered to satisfy any platform.
func descriptorSatisfiesSpecs(desc specsv1.Descriptor, platform ggcrv1.Platform) bool {
	if desc.Platform == nil {
		return true
	}
	m := platforms.NewMatcher(specsPlatform(platform))
	return m.Match(*desc.Platform)
}

// SelectManifest picks the first manifest entry from an OCI index.json whose
// platform matches the requested one, falling back to the sole entry
// when the index carries only one manifest regardless of its platform
// (some single-arch builds omit platform information entirely). platform
// defaults to DefaultPlatform() when nil.
func SelectManifest(idx specsv1.Index, platform *ggcrv1.Platform) (specsv1.Descriptor, error) {
	if len(idx.Manifests) == 0 {
		return specsv1.Descriptor{}, fmt.Errorf("ociplatform: index has no manifests")
	}
	if len(idx.Manifests) == 1 {
		return idx.Manifests[0], nil
	}

	if platform == nil {
		platform = DefaultPlatform()
	}
	for _, desc := range idx.Manifests {
		if descriptorSatisfiesSpecs(desc, *platform) {
			return desc, nil
		}
	}
	return specsv1.Descriptor{}, fmt.Errorf("%w: %s", ErrNoManifestSelected, platform.String())
}
