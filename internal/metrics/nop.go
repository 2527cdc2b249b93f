package metrics

import "time"

type nopRecorder struct{}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nopRecorder{} }

func (nopRecorder) RecordOperationStart(string) {}

func (nopRecorder) RecordOperationComplete(string, string, string, time.Duration, int64) {}

func (nopRecorder) RecordDocuments(string, string, int) {}

func (nopRecorder) RecordError(string, string) {}

func (nopRecorder) RecordRateLimitViolation(string) {}

func (nopRecorder) RecordValidationFailure(string) {}

func (nopRecorder) RecordEventCaptured() {}

func (nopRecorder) RecordPublish(bool) {}
