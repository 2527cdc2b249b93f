package migration

import (
	"strings"
	"testing"

	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
)

func testPackage(t *testing.T) *models.Package {
	t.Helper()
	pkg := NewPackage("node-a", "t1")
	users, err := BuildPayload([]models.Document{
		{"_id": "u1", "username": "jdoe", "age": float64(34)},
		{"_id": "u2", "username": "asmith", "age": float64(28)},
	})
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	notes, err := BuildPayload([]models.Document{
		{"_id": "n1", "title": "groceries"},
	})
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	pkg.Collections["users"] = users
	pkg.Collections["notes"] = notes
	pkg.Final = true
	return pkg
}

func TestNewPackage(t *testing.T) {
	pkg := NewPackage("node-a", "t1")
	if pkg.FormatVersion != models.PackageFormatVersion {
		t.Errorf("expected format version %d, got %d", models.PackageFormatVersion, pkg.FormatVersion)
	}
	if pkg.PackageID == "" {
		t.Error("expected package id")
	}
	if pkg.SourceNode != "node-a" || pkg.TransferID != "t1" {
		t.Errorf("unexpected identity: %+v", pkg)
	}
	if pkg.CreatedAt.IsZero() {
		t.Error("expected created_at")
	}
}

func TestCollectionChecksum_Deterministic(t *testing.T) {
	a := []models.Document{{"_id": "1", "x": "a", "y": "b"}}
	b := []models.Document{{"y": "b", "x": "a", "_id": "1"}}

	sumA, err := CollectionChecksum(a)
	if err != nil {
		t.Fatalf("CollectionChecksum: %v", err)
	}
	sumB, err := CollectionChecksum(b)
	if err != nil {
		t.Fatalf("CollectionChecksum: %v", err)
	}
	if sumA != sumB {
		t.Errorf("checksum depends on key order: %s vs %s", sumA, sumB)
	}
	if !strings.HasPrefix(sumA, "sha256:") {
		t.Errorf("expected sha256: prefix, got %s", sumA)
	}

	differ, _ := CollectionChecksum([]models.Document{{"_id": "1", "x": "a", "y": "c"}})
	if differ == sumA {
		t.Error("expected different documents to hash differently")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	signer := testSigner(t)
	codec := NewCodec()
	pkg := testPackage(t)

	body, signature, err := codec.Encode(pkg, signer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(body) == 0 || signature == "" {
		t.Fatal("expected body and signature")
	}

	got, err := codec.Decode(body, signature, signer)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.PackageID != pkg.PackageID || got.SourceNode != "node-a" || !got.Final {
		t.Errorf("package identity lost: %+v", got)
	}
	if len(got.Collections) != 2 {
		t.Fatalf("expected 2 collections, got %d", len(got.Collections))
	}
	users := got.Collections["users"]
	if users.Count != 2 || len(users.Documents) != 2 {
		t.Fatalf("users payload wrong: %+v", users)
	}
	if users.Documents[0]["username"] != "jdoe" {
		t.Errorf("document content lost: %+v", users.Documents[0])
	}
}

func TestEncode_RequiresSigner(t *testing.T) {
	codec := NewCodec()
	_, _, err := codec.Encode(testPackage(t), nil)
	assertServiceCode(t, err, services.CodeSignerUnavailable)
}

func TestDecode_RejectsTamperedBody(t *testing.T) {
	signer := testSigner(t)
	codec := NewCodec()

	body, signature, err := codec.Encode(testPackage(t), signer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)/2] ^= 0xFF

	_, err = codec.Decode(tampered, signature, signer)
	assertServiceCode(t, err, services.CodeSignatureInvalid)
}

func TestDecode_RejectsWrongSignature(t *testing.T) {
	signer := testSigner(t)
	codec := NewCodec()

	body, _, err := codec.Encode(testPackage(t), signer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = codec.Decode(body, "bm90IGEgc2lnbmF0dXJl", signer)
	assertServiceCode(t, err, services.CodeSignatureInvalid)

	_, err = codec.Decode(body, "", signer)
	assertServiceCode(t, err, services.CodeSignatureInvalid)
}

func TestDecode_RejectsMissingVerifier(t *testing.T) {
	signer := testSigner(t)
	codec := NewCodec()

	body, signature, err := codec.Encode(testPackage(t), signer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = codec.Decode(body, signature, nil)
	assertServiceCode(t, err, services.CodeSignatureInvalid)
}

func TestDecode_RejectsChecksumMismatch(t *testing.T) {
	signer := testSigner(t)
	codec := NewCodec()

	pkg := testPackage(t)
	bad := pkg.Collections["users"]
	bad.Checksum = "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	pkg.Collections["users"] = bad

	// The signature legitimately covers the corrupted payload, so only the
	// checksum pass can catch it.
	body, signature, err := codec.Encode(pkg, signer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = codec.Decode(body, signature, signer)
	assertServiceCode(t, err, services.CodeChecksumMismatch)
}

func TestDecode_RejectsCountMismatch(t *testing.T) {
	signer := testSigner(t)
	codec := NewCodec()

	pkg := testPackage(t)
	bad := pkg.Collections["notes"]
	bad.Count = 99
	pkg.Collections["notes"] = bad

	body, signature, err := codec.Encode(pkg, signer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = codec.Decode(body, signature, signer)
	assertServiceCode(t, err, services.CodeChecksumMismatch)
}

func TestDecode_RejectsWrongFormatVersion(t *testing.T) {
	signer := testSigner(t)
	codec := NewCodec()

	pkg := testPackage(t)
	pkg.FormatVersion = 99

	body, signature, err := codec.Encode(pkg, signer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = codec.Decode(body, signature, signer)
	assertServiceCode(t, err, services.CodeInvalidRequest)
}

func TestBuildPayload_Empty(t *testing.T) {
	payload, err := BuildPayload(nil)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if payload.Count != 0 {
		t.Errorf("expected count 0, got %d", payload.Count)
	}
	if payload.Checksum == "" {
		t.Error("expected checksum for empty payload")
	}
}
