// Package schema infers collection schemas from sampled documents and
// compares them for migration compatibility.
package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/store"
)

// DefaultSampleSize bounds how many documents Extract reads per collection.
const DefaultSampleSize = 100

// Validator samples documents from a store and reports schema compatibility.
type Validator struct {
	store      store.DocumentStore
	sampleSize int
}

// NewValidator builds a Validator reading from st. sampleSize <= 0 falls
// back to DefaultSampleSize.
func NewValidator(st store.DocumentStore, sampleSize int) *Validator {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &Validator{store: st, sampleSize: sampleSize}
}

// Extract infers a collection's schema from up to sampleSize documents.
// A field's kind and nullability are whatever its first sighting shows;
// later documents never revise them, even on conflict. Callers accept this
// imprecision in exchange for a single cheap pass over the sample.
func (v *Validator) Extract(ctx context.Context, collection string) (*models.CollectionSchema, error) {
	docs, err := v.store.Find(ctx, collection, nil, "", v.sampleSize)
	if err != nil {
		return nil, fmt.Errorf("sampling %s: %w", collection, err)
	}

	fields := make(map[string]models.FieldSchema)
	for _, doc := range docs {
		for name, value := range doc {
			if _, seen := fields[name]; seen {
				continue
			}
			kind := models.KindOf(value)
			fields[name] = models.FieldSchema{
				Kind:     kind,
				Nullable: kind == models.KindNull,
			}
		}
	}

	return &models.CollectionSchema{
		Collection:  collection,
		Fields:      fields,
		SampleCount: len(docs),
	}, nil
}

// ValidateCompatibility compares a source schema against a target schema.
// A field present in source but absent in target is a warning: the migration
// proceeds and the target ignores the field. A field present in both with a
// different kind is an error and marks the pair incompatible. Fields only
// the target has are not checked, the target may fill them with defaults.
func ValidateCompatibility(source, target *models.CollectionSchema) models.CompatibilityReport {
	report := models.CompatibilityReport{Compatible: true}
	if source == nil || target == nil {
		report.Compatible = false
		report.Errors = append(report.Errors, "source and target schemas are required")
		return report
	}

	for _, name := range sortedFieldNames(source.Fields) {
		srcField := source.Fields[name]
		tgtField, ok := target.Fields[name]
		if !ok {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("field '%s' exists in source but not in target", name))
			continue
		}
		if srcField.Kind != tgtField.Kind {
			report.Compatible = false
			report.Errors = append(report.Errors,
				fmt.Sprintf("kind mismatch for '%s': source=%s, target=%s",
					name, srcField.Kind, tgtField.Kind))
		}
	}
	return report
}

// sortedFieldNames keeps report ordering stable across runs.
func sortedFieldNames(fields map[string]models.FieldSchema) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
