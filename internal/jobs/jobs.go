// Package jobs holds the callables the bundled worker service registers.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cuongbtq/jobrelay/internal/domain"
	"github.com/cuongbtq/jobrelay/internal/worker"
)

var (
	// Echo returns its message unchanged
	Echo = domain.MustDescriptor(domain.DefaultModule, "echo", "message")

	// ImageDigest hashes a base64 encoded image
	ImageDigest = domain.MustDescriptor(domain.DefaultModule, "image_digest", "b64_image")
)

// Register adds the bundled jobs to r
func Register(r *worker.Registry) error {
	if err := r.Register(Echo, echo); err != nil {
		return err
	}
	return r.Register(ImageDigest, imageDigest)
}

func echo(_ context.Context, args map[string]any) (any, error) {
	return args["message"], nil
}

func imageDigest(ctx context.Context, args map[string]any) (any, error) {
	encoded, ok := args["b64_image"].(string)
	if !ok {
		return nil, fmt.Errorf("b64_image must be a string, got %T", args["b64_image"])
	}
	// data URLs carry a "data:image/png;base64," prefix
	if i := strings.IndexByte(encoded, ','); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("b64_image is not valid base64: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	return map[string]any{
		"sha256": hex.EncodeToString(sum[:]),
		"bytes":  len(raw),
	}, nil
}
