package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ferrydb/ferry/internal/compression"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/signing"
)

// Codec turns packages into signed wire bodies and back. The wire body is
// the snappy-compressed JSON encoding of the package; signatures cover the
// exact compressed bytes so nothing needs to be re-serialized to verify.
type Codec struct {
	comp compression.Compressor
}

// NewCodec creates a codec using snappy block compression.
func NewCodec() *Codec {
	return &Codec{comp: compression.NewSnappyCompressor()}
}

// NewPackage creates an empty package originating from sourceNode.
func NewPackage(sourceNode, transferID string) *models.Package {
	return &models.Package{
		FormatVersion: models.PackageFormatVersion,
		PackageID:     uuid.NewString(),
		TransferID:    transferID,
		SourceNode:    sourceNode,
		CreatedAt:     time.Now().UTC(),
		Collections:   make(map[string]models.CollectionPayload),
	}
}

// BuildPayload wraps docs in a payload carrying their count and checksum.
func BuildPayload(docs []models.Document) (models.CollectionPayload, error) {
	sum, err := CollectionChecksum(docs)
	if err != nil {
		return models.CollectionPayload{}, err
	}
	return models.CollectionPayload{
		Documents: docs,
		Count:     len(docs),
		Checksum:  sum,
	}, nil
}

// CollectionChecksum returns "sha256:<hex>" over the canonical JSON encoding
// of docs. Map keys serialize in sorted order, so the same documents always
// hash the same regardless of insertion order.
func CollectionChecksum(docs []models.Document) (string, error) {
	if docs == nil {
		docs = []models.Document{}
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return "", services.NewServiceError(services.CodeInternal,
			fmt.Sprintf("encode documents for checksum: %v", err))
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Encode serializes, compresses and signs pkg. It returns the compressed
// body and the detached signature to transmit alongside it.
func (c *Codec) Encode(pkg *models.Package, signer *signing.Signer) ([]byte, string, error) {
	if pkg == nil {
		return nil, "", services.NewServiceError(services.CodeInvalidRequest, "package is required")
	}
	if signer == nil {
		return nil, "", services.NewServiceError(services.CodeSignerUnavailable,
			"package signing requires a configured signer")
	}

	data, err := json.Marshal(pkg)
	if err != nil {
		return nil, "", services.NewServiceError(services.CodeInternal,
			fmt.Sprintf("encode package: %v", err))
	}
	body, err := c.comp.Compress(data)
	if err != nil {
		return nil, "", services.NewServiceError(services.CodeInternal,
			fmt.Sprintf("compress package: %v", err))
	}
	signature, err := signer.Sign(body)
	if err != nil {
		return nil, "", services.NewServiceError(services.CodeSignerUnavailable,
			fmt.Sprintf("sign package: %v", err))
	}
	return body, signature, nil
}

// Decode verifies the signature over body, then decompresses, unmarshals and
// re-validates every collection checksum. Verification is fail-closed: a
// missing verifier rejects the package the same way a bad signature does.
func (c *Codec) Decode(body []byte, signature string, verifier signing.Verifier) (*models.Package, error) {
	if verifier == nil || !verifier.Verify(body, signature) {
		return nil, services.NewServiceError(services.CodeSignatureInvalid,
			"package signature verification failed")
	}

	data, err := c.comp.Decompress(body)
	if err != nil {
		return nil, services.NewServiceError(services.CodeInvalidRequest,
			fmt.Sprintf("decompress package: %v", err))
	}
	var pkg models.Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, services.NewServiceError(services.CodeInvalidRequest,
			fmt.Sprintf("decode package: %v", err))
	}
	if pkg.FormatVersion != models.PackageFormatVersion {
		return nil, services.NewServiceError(services.CodeInvalidRequest,
			fmt.Sprintf("unsupported package format version %d", pkg.FormatVersion))
	}

	for name, payload := range pkg.Collections {
		if payload.Count != len(payload.Documents) {
			return nil, services.NewServiceErrorWithDetails(services.CodeChecksumMismatch,
				"collection document count mismatch",
				map[string]interface{}{
					"collection": name,
					"declared":   payload.Count,
					"actual":     len(payload.Documents),
				})
		}
		sum, err := CollectionChecksum(payload.Documents)
		if err != nil {
			return nil, err
		}
		if sum != payload.Checksum {
			return nil, services.NewServiceErrorWithDetails(services.CodeChecksumMismatch,
				"collection checksum mismatch",
				map[string]interface{}{"collection": name})
		}
	}

	return &pkg, nil
}
