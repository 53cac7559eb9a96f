package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckProtocolCompatibility(t *testing.T) {
	tests := []struct {
		name               string
		coordinatorVersion string
		workerVersion      string
		expectError        bool
		errorContains      string
	}{
		{
			name:               "exact match",
			coordinatorVersion: "1.2.0",
			workerVersion:      "1.2.0",
			expectError:        false,
		},
		{
			name:               "patch differs",
			coordinatorVersion: "1.2.1",
			workerVersion:      "1.2.0",
			expectError:        false,
		},
		{
			name:               "v prefix stripped",
			coordinatorVersion: "v1.2.0",
			workerVersion:      "1.2.3",
			expectError:        false,
		},
		{
			name:               "minor mismatch",
			coordinatorVersion: "1.3.0",
			workerVersion:      "1.2.0",
			expectError:        true,
			errorContains:      "minor version mismatch",
		},
		{
			name:               "major mismatch",
			coordinatorVersion: "2.0.0",
			workerVersion:      "1.2.0",
			expectError:        true,
			errorContains:      "major version mismatch",
		},
		{
			name:               "coordinator dev build skips check",
			coordinatorVersion: "main",
			workerVersion:      "1.2.0",
			expectError:        false,
		},
		{
			name:               "worker dev build skips check",
			coordinatorVersion: "1.2.0",
			workerVersion:      "main",
			expectError:        false,
		},
		{
			name:               "invalid worker version",
			coordinatorVersion: "1.2.0",
			workerVersion:      "not-a-version",
			expectError:        true,
			errorContains:      "invalid worker version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckProtocolCompatibility(tt.coordinatorVersion, tt.workerVersion)
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
}
