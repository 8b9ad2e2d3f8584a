// Package schemasassets provides embedded JSON schemas so manifest validation
// works in installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// SubmissionManifestSchema validates `kernelcron submit --job` manifests.
//
//go:embed submission-manifest.schema.json
var SubmissionManifestSchema []byte
