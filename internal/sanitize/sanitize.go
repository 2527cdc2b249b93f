// Package sanitize redacts configured sensitive fields from documents
// before they cross the local security boundary. Redaction is one-way:
// values are replaced, never encrypted or stashed for recovery.
package sanitize

import (
	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
)

// RedactedMarker replaces scalar values of sensitive fields.
const RedactedMarker = "[REDACTED]"

// DefaultSensitiveFields returns the built-in per-collection field lists.
// Config entries override a collection's list; collections absent from the
// config keep these defaults.
func DefaultSensitiveFields() map[string][]string {
	return map[string][]string{
		"users": {
			"two_fa_secret",
			"backup_codes",
			"backup_codes_used",
			"password_reset_token",
			"email_verification_token",
		},
		"permanent_tokens": {"token_hash"},
		"families":         {"phone_number", "address"},
	}
}

// DefaultPreserveFields returns field names that are never redacted,
// regardless of sensitive-field configuration. These carry identity and
// ordering information the receiving side needs intact.
func DefaultPreserveFields() []string {
	return []string{"_id", "user_id", "tenant_id", "created_at", "updated_at", "username", "email"}
}

// Sanitizer redacts sensitive fields per collection.
type Sanitizer struct {
	enabled  bool
	fields   map[string]map[string]struct{}
	preserve map[string]struct{}
	log      *logging.Logger
}

// New builds a Sanitizer from configuration. Collections named in the
// config replace the default list for that collection; preserve names are
// added to the defaults.
func New(cfg config.SanitizerConfig, log *logging.Logger) *Sanitizer {
	fields := make(map[string]map[string]struct{})
	for collection, names := range DefaultSensitiveFields() {
		fields[collection] = toSet(names)
	}
	for collection, names := range cfg.Collections {
		fields[collection] = toSet(names)
	}

	preserve := toSet(DefaultPreserveFields())
	for _, name := range cfg.Preserve {
		preserve[name] = struct{}{}
	}

	return &Sanitizer{
		enabled:  cfg.Enabled,
		fields:   fields,
		preserve: preserve,
		log:      log,
	}
}

// Enabled reports whether redaction is active. Disabled sanitizers pass
// documents through untouched, for trusted same-operator transfers only.
func (s *Sanitizer) Enabled() bool {
	return s.enabled
}

// SensitiveFields returns the configured sensitive field names for a
// collection, nil if none are configured.
func (s *Sanitizer) SensitiveFields(collection string) []string {
	set, ok := s.fields[collection]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names
}

// SanitizeDocument returns a copy of doc with the collection's sensitive
// fields redacted. The input document is never mutated. Redaction keeps the
// value's shape so consumers relying on field types keep working, and it is
// idempotent: sanitizing an already-sanitized document changes nothing.
func (s *Sanitizer) SanitizeDocument(collection string, doc models.Document) models.Document {
	out, _ := s.sanitize(collection, doc)
	return out
}

// SanitizeCollection redacts every document in the batch and returns the
// sanitized batch together with the number of fields redacted. The count is
// recorded for audit; redaction itself is irreversible.
func (s *Sanitizer) SanitizeCollection(collection string, docs []models.Document) ([]models.Document, int) {
	if !s.enabled || len(docs) == 0 {
		return docs, 0
	}
	set, ok := s.fields[collection]
	if !ok || len(set) == 0 {
		return docs, 0
	}

	out := make([]models.Document, len(docs))
	total := 0
	for i, doc := range docs {
		sanitized, n := s.sanitize(collection, doc)
		out[i] = sanitized
		total += n
	}
	if total > 0 {
		s.log.Info("Sanitized collection batch",
			"collection", collection,
			"documents", len(docs),
			"redacted_fields", total)
	}
	return out, total
}

func (s *Sanitizer) sanitize(collection string, doc models.Document) (models.Document, int) {
	if !s.enabled || doc == nil {
		return doc, 0
	}
	set, ok := s.fields[collection]
	if !ok || len(set) == 0 {
		return doc, 0
	}

	out := make(models.Document, len(doc))
	redacted := 0
	for name, value := range doc {
		if _, sensitive := set[name]; !sensitive {
			out[name] = value
			continue
		}
		if _, keep := s.preserve[name]; keep {
			out[name] = value
			continue
		}
		out[name] = redact(value)
		redacted++
	}
	return out, redacted
}

// redact replaces a value with a marker of the same shape: arrays become
// arrays of markers with the original length, objects become a marker
// object, everything else becomes the marker string.
func redact(value interface{}) interface{} {
	switch models.KindOf(value) {
	case models.KindArray:
		arr := value.([]interface{})
		out := make([]interface{}, len(arr))
		for i := range out {
			out[i] = RedactedMarker
		}
		return out
	case models.KindObject:
		return map[string]interface{}{"redacted": true}
	default:
		return RedactedMarker
	}
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}
