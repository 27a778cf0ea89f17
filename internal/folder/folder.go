// Package folder resolves files hosted in third-party shared-folder
// services to transient direct-download URLs. The concrete protocol is
// vendor-specific; the engine only depends on the Resolver contract.
package folder

import (
	"context"
	"errors"
)

// Typed failure modes for a lookup. Transport errors surface as-is.
var (
	ErrNotFound  = errors.New("file not found in shared folder")
	ErrAmbiguous = errors.New("multiple files match name in shared folder")
)

// Resolver looks up a file by exact name within a shared-folder
// resource and returns a transient direct-download URL.
type Resolver interface {
	Resolve(ctx context.Context, folderURL, name string) (string, error)
}
