package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckSidecarVersion(t *testing.T) {
	tests := []struct {
		name    string
		toCheck string
		want    bool
	}{
		{name: "same", toCheck: "v1.0.0", want: true},
		{name: "without prefix", toCheck: "1.0.0", want: true},
		{name: "newer minor", toCheck: "v1.3.2", want: true},
		{name: "older major", toCheck: "v0.9.0", want: false},
		{name: "newer major", toCheck: "v2.0.0", want: false},
		{name: "invalid", toCheck: "latest", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckSidecarVersion(tt.toCheck))
		})
	}
}
