package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransferRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		request *TransferRequest
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid with instance",
			request: &TransferRequest{
				Collections: []string{"users"},
				InstanceID:  "inst-1",
			},
			wantErr: false,
		},
		{
			name: "valid with target url",
			request: &TransferRequest{
				Collections: []string{"users", "families"},
				TargetURL:   "https://remote:8080",
				Conflict:    ConflictOverwrite,
			},
			wantErr: false,
		},
		{
			name:    "missing collections",
			request: &TransferRequest{InstanceID: "inst-1"},
			wantErr: true,
			errMsg:  "'collections' is required",
		},
		{
			name: "empty collection name",
			request: &TransferRequest{
				Collections: []string{"users", ""},
				InstanceID:  "inst-1",
			},
			wantErr: true,
			errMsg:  "must not be empty",
		},
		{
			name:    "no destination",
			request: &TransferRequest{Collections: []string{"users"}},
			wantErr: true,
			errMsg:  "one of 'instance_id' or 'target_url' is required",
		},
		{
			name: "both destinations",
			request: &TransferRequest{
				Collections: []string{"users"},
				InstanceID:  "inst-1",
				TargetURL:   "https://remote:8080",
			},
			wantErr: true,
			errMsg:  "mutually exclusive",
		},
		{
			name: "bad conflict mode",
			request: &TransferRequest{
				Collections: []string{"users"},
				InstanceID:  "inst-1",
				Conflict:    ConflictResolution("merge"),
			},
			wantErr: true,
			errMsg:  "conflict must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTransferRequest_Defaults(t *testing.T) {
	req := &TransferRequest{
		Collections: []string{"users"},
		InstanceID:  "inst-1",
	}
	assert.NoError(t, req.Validate())
	assert.Equal(t, ConflictSkip, req.Conflict, "conflict should default to skip")
	assert.True(t, req.SanitizeEnabled(), "sanitize should default to true")

	off := false
	req.Sanitize = &off
	assert.False(t, req.SanitizeEnabled(), "explicit sanitize=false should disable")
}

func TestTransferStatus_Terminal(t *testing.T) {
	terminal := []TransferStatus{TransferStatusCompleted, TransferStatusFailed, TransferStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%v should be terminal", s)
	}
	active := []TransferStatus{TransferStatusQueued, TransferStatusInProgress, TransferStatusPaused}
	for _, s := range active {
		assert.False(t, s.Terminal(), "%v should not be terminal", s)
	}
}

func TestTransferTask_ToStatusResponse(t *testing.T) {
	task := NewTransferTask("tr-1", TransferRequest{
		Collections: []string{"users"},
		InstanceID:  "inst-1",
	}, "https://remote:8080")
	task.DocumentsDone = 50
	task.DocumentsTotal = 200

	resp := task.ToStatusResponse()
	assert.Equal(t, "tr-1", resp.TransferID)
	assert.Equal(t, string(TransferStatusQueued), resp.Status)
	assert.Equal(t, 25.0, resp.Percent)

	empty := NewTransferTask("tr-2", TransferRequest{}, "")
	assert.Zero(t, empty.ToStatusResponse().Percent, "percent with zero total")
}
