package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDescriptor(t *testing.T) {
	tests := []struct {
		name      string
		module    string
		function  string
		params    []string
		wantErr   bool
		errString string
		wantKey   string
	}{
		{
			name:     "valid descriptor",
			module:   "vision",
			function: "image_face_recognition",
			params:   []string{"b64_image"},
			wantKey:  "vision.image_face_recognition",
		},
		{
			name:     "empty module defaults to jobs",
			function: "echo",
			params:   []string{"message"},
			wantKey:  "jobs.echo",
		},
		{
			name:     "no parameters",
			function: "ping",
			wantKey:  "jobs.ping",
		},
		{
			name:      "empty function",
			module:    "jobs",
			params:    []string{"a"},
			wantErr:   true,
			errString: "job function name is required",
		},
		{
			name:      "dotted function",
			function:  "a.b",
			wantErr:   true,
			errString: "must not contain",
		},
		{
			name:      "duplicate parameters",
			function:  "echo",
			params:    []string{"a", "b", "a"},
			wantErr:   true,
			errString: "duplicate parameter \"a\"",
		},
		{
			name:      "empty parameter name",
			function:  "echo",
			params:    []string{""},
			wantErr:   true,
			errString: "empty parameter name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDescriptor(tt.module, tt.function, tt.params)

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConfiguration))
				assert.Contains(t, err.Error(), tt.errString)
				assert.True(t, d.IsZero())
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, d.Key())
			assert.Len(t, d.Parameters(), len(tt.params))
		})
	}
}

func TestDescriptor_Immutable(t *testing.T) {
	params := []string{"a", "b"}
	d, err := NewDescriptor("jobs", "sum", params)
	require.NoError(t, err)

	params[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, d.Parameters())

	got := d.Parameters()
	got[1] = "mutated"
	assert.Equal(t, []string{"a", "b"}, d.Parameters())
}

func TestDescriptor_Bind(t *testing.T) {
	d := MustDescriptor("jobs", "image_face_recognition", "b64_image")

	t.Run("all parameters present", func(t *testing.T) {
		args, err := d.Bind(map[string]any{"b64_image": "abc", "extra": 1})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"b64_image": "abc"}, args)
	})

	t.Run("missing parameter", func(t *testing.T) {
		args, err := d.Bind(map[string]any{})
		require.Error(t, err)
		assert.Nil(t, args)

		var vErr *ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.Equal(t, "b64_image", vErr.Field)
		assert.True(t, errors.Is(err, ErrValidation))
		assert.Equal(t, "field b64_image must be set in the request", err.Error())
	})

	t.Run("explicit null counts as present", func(t *testing.T) {
		args, err := d.Bind(map[string]any{"b64_image": nil})
		require.NoError(t, err)
		assert.Contains(t, args, "b64_image")
	})
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key      string
		module   string
		function string
		wantErr  bool
	}{
		{key: "jobs.echo", module: "jobs", function: "echo"},
		{key: "app.vision.classify", module: "app.vision", function: "classify"},
		{key: "echo", wantErr: true},
		{key: ".echo", wantErr: true},
		{key: "jobs.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			module, function, err := ParseKey(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.module, module)
			assert.Equal(t, tt.function, function)
		})
	}
}
