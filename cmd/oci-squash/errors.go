package main

import "errors"

// Error kinds surfaced by the pipeline, mapped to process exit codes in
// exitCodeFor. Sentinel values tested with errors.Is rather than a
// stringly-typed error code.
var (
	errInputMissing    = errors.New("input tar does not exist or is not a regular file")
	errLayerResolution = errors.New("--from-layer is neither a valid count nor a known layer id")
	errInvalidRange    = errors.New("resolved layer range is empty or exceeds the layer count")
	errMissingLayerTar = errors.New("a referenced layer's tar file is absent from the extracted image")
	errFormatError     = errors.New("required image metadata is absent or malformed")
)
