package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		pattern string
		input   string
		want    bool
	}{
		{"contains match", Contains, "Sensor", "Outdoor Sensor 1", true},
		{"contains no match", Contains, "Sensor", "Pump", false},
		{"starts_with match", StartsWith, "Sensor", "Sensor-42", true},
		{"starts_with no match", StartsWith, "Sensor", "42-Sensor", false},
		{"ends_with match", EndsWith, "-42", "Sensor-42", true},
		{"equals match", Equals, "exact", "exact", true},
		{"equals no match", Equals, "exact", "Exact", false},
		{"not_equals match", NotEquals, "excluded", "anything else", true},
		{"not_equals no match", NotEquals, "excluded", "excluded", false},
		{"regex match", Regex, "^hci[0-9]+$", "hci0", true},
		{"regex no match", Regex, "^hci[0-9]+$", "eth0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.kind, tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(tt.input))
		})
	}
}

func TestFilter_New_InvalidRegex(t *testing.T) {
	_, err := New(Regex, "(unclosed")
	assert.Error(t, err)
}

func TestFilter_NilMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Match("anything"))
	assert.True(t, f.Match(""))
}

func TestFilter_ZeroValueMatchesEverything(t *testing.T) {
	f := Filter{}
	assert.True(t, f.Match("anything"))
}

func TestFilter_YAMLRoundTrip(t *testing.T) {
	src := []byte(`contains: "Sensor"`)
	var f Filter
	require.NoError(t, yaml.Unmarshal(src, &f))
	assert.Equal(t, Contains, f.Kind)
	assert.Equal(t, "Sensor", f.Pattern)
	assert.True(t, f.Match("Outdoor Sensor"))

	out, err := yaml.Marshal(f)
	require.NoError(t, err)

	var roundTripped Filter
	require.NoError(t, yaml.Unmarshal(out, &roundTripped))
	assert.Equal(t, f.Kind, roundTripped.Kind)
	assert.Equal(t, f.Pattern, roundTripped.Pattern)
}

func TestFilter_UnmarshalYAML_RejectsAmbiguous(t *testing.T) {
	src := []byte("contains: a\nstarts_with: b\n")
	var f Filter
	err := yaml.Unmarshal(src, &f)
	assert.Error(t, err)
}

func TestFilter_UnmarshalYAML_RejectsEmpty(t *testing.T) {
	src := []byte("{}")
	var f Filter
	err := yaml.Unmarshal(src, &f)
	assert.Error(t, err)
}
