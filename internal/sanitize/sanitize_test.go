package sanitize

import (
	"io"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
)

func testSanitizer(cfg config.SanitizerConfig) *Sanitizer {
	return New(cfg, logging.NewWithWriter(io.Discard, zerolog.Disabled))
}

func TestSanitizeDocument_RedactsSensitiveField(t *testing.T) {
	s := testSanitizer(config.SanitizerConfig{Enabled: true})

	doc := models.Document{"username": "jdoe", "two_fa_secret": "XYZ"}
	got := s.SanitizeDocument("users", doc)

	if got["username"] != "jdoe" {
		t.Errorf("username = %v, want jdoe", got["username"])
	}
	if got["two_fa_secret"] != RedactedMarker {
		t.Errorf("two_fa_secret = %v, want %q", got["two_fa_secret"], RedactedMarker)
	}
}

func TestSanitizeDocument_DoesNotMutateInput(t *testing.T) {
	s := testSanitizer(config.SanitizerConfig{Enabled: true})

	doc := models.Document{"username": "jdoe", "two_fa_secret": "XYZ"}
	_ = s.SanitizeDocument("users", doc)

	if doc["two_fa_secret"] != "XYZ" {
		t.Errorf("input document mutated: two_fa_secret = %v", doc["two_fa_secret"])
	}
}

func TestSanitizeDocument_PreservesShape(t *testing.T) {
	s := testSanitizer(config.SanitizerConfig{Enabled: true})

	doc := models.Document{
		"backup_codes":  []interface{}{"aaa", "bbb", "ccc"},
		"two_fa_secret": map[string]interface{}{"seed": "XYZ", "digits": 6},
	}
	got := s.SanitizeDocument("users", doc)

	wantArr := []interface{}{RedactedMarker, RedactedMarker, RedactedMarker}
	if !reflect.DeepEqual(got["backup_codes"], wantArr) {
		t.Errorf("backup_codes = %v, want %v", got["backup_codes"], wantArr)
	}
	wantObj := map[string]interface{}{"redacted": true}
	if !reflect.DeepEqual(got["two_fa_secret"], wantObj) {
		t.Errorf("two_fa_secret = %v, want %v", got["two_fa_secret"], wantObj)
	}
}

func TestSanitizeDocument_Idempotent(t *testing.T) {
	s := testSanitizer(config.SanitizerConfig{Enabled: true})

	doc := models.Document{
		"username":      "jdoe",
		"two_fa_secret": "XYZ",
		"backup_codes":  []interface{}{"aaa", "bbb"},
	}
	once := s.SanitizeDocument("users", doc)
	twice := s.SanitizeDocument("users", once)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second pass changed output:\nonce  = %v\ntwice = %v", once, twice)
	}
}

func TestSanitizeDocument_PreserveListWins(t *testing.T) {
	// email is configured sensitive here but sits on the preserve list.
	s := testSanitizer(config.SanitizerConfig{
		Enabled:     true,
		Collections: map[string][]string{"users": {"email", "two_fa_secret"}},
	})

	doc := models.Document{"email": "jdoe@example.com", "two_fa_secret": "XYZ"}
	got := s.SanitizeDocument("users", doc)

	if got["email"] != "jdoe@example.com" {
		t.Errorf("email = %v, want preserved value", got["email"])
	}
	if got["two_fa_secret"] != RedactedMarker {
		t.Errorf("two_fa_secret = %v, want %q", got["two_fa_secret"], RedactedMarker)
	}
}

func TestSanitizeDocument_UnknownCollectionPassThrough(t *testing.T) {
	s := testSanitizer(config.SanitizerConfig{Enabled: true})

	doc := models.Document{"two_fa_secret": "XYZ"}
	got := s.SanitizeDocument("wallets", doc)

	if got["two_fa_secret"] != "XYZ" {
		t.Errorf("unknown collection was redacted: %v", got["two_fa_secret"])
	}
}

func TestSanitizeDocument_Disabled(t *testing.T) {
	s := testSanitizer(config.SanitizerConfig{Enabled: false})

	doc := models.Document{"two_fa_secret": "XYZ"}
	got := s.SanitizeDocument("users", doc)

	if got["two_fa_secret"] != "XYZ" {
		t.Errorf("disabled sanitizer redacted: %v", got["two_fa_secret"])
	}
	if s.Enabled() {
		t.Error("Enabled() = true, want false")
	}
}

func TestSanitizeDocument_ConfigOverridesDefaults(t *testing.T) {
	s := testSanitizer(config.SanitizerConfig{
		Enabled:     true,
		Collections: map[string][]string{"users": {"ssn"}},
	})

	doc := models.Document{"ssn": "123-45-6789", "two_fa_secret": "XYZ"}
	got := s.SanitizeDocument("users", doc)

	if got["ssn"] != RedactedMarker {
		t.Errorf("ssn = %v, want %q", got["ssn"], RedactedMarker)
	}
	// The override replaces the default list for the collection.
	if got["two_fa_secret"] != "XYZ" {
		t.Errorf("two_fa_secret = %v, want untouched after override", got["two_fa_secret"])
	}
}

func TestSanitizeCollection_CountsRedactions(t *testing.T) {
	s := testSanitizer(config.SanitizerConfig{Enabled: true})

	docs := []models.Document{
		{"_id": "u1", "username": "a", "two_fa_secret": "s1", "backup_codes": []interface{}{"x"}},
		{"_id": "u2", "username": "b"},
		{"_id": "u3", "password_reset_token": "tok"},
	}
	got, redacted := s.SanitizeCollection("users", docs)

	if redacted != 3 {
		t.Errorf("redacted = %d, want 3", redacted)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	if got[0]["two_fa_secret"] != RedactedMarker {
		t.Errorf("doc 0 two_fa_secret = %v", got[0]["two_fa_secret"])
	}
	if got[2]["password_reset_token"] != RedactedMarker {
		t.Errorf("doc 2 password_reset_token = %v", got[2]["password_reset_token"])
	}
	if docs[0]["two_fa_secret"] != "s1" {
		t.Errorf("input batch mutated: %v", docs[0]["two_fa_secret"])
	}
}

func TestSanitizeCollection_NoSensitiveFields(t *testing.T) {
	s := testSanitizer(config.SanitizerConfig{Enabled: true})

	docs := []models.Document{{"_id": "w1", "balance": 10}}
	got, redacted := s.SanitizeCollection("wallets", docs)

	if redacted != 0 {
		t.Errorf("redacted = %d, want 0", redacted)
	}
	if !reflect.DeepEqual(got, docs) {
		t.Errorf("batch changed: %v", got)
	}
}

func TestDefaultSensitiveFields(t *testing.T) {
	defaults := DefaultSensitiveFields()
	if len(defaults["users"]) != 5 {
		t.Errorf("users default list has %d entries, want 5", len(defaults["users"]))
	}
	if len(defaults["permanent_tokens"]) != 1 || defaults["permanent_tokens"][0] != "token_hash" {
		t.Errorf("permanent_tokens defaults = %v", defaults["permanent_tokens"])
	}
}
