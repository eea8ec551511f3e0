package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseViewport_Preset(t *testing.T) {
	vp, err := ParseViewport("Mobile")
	require.NoError(t, err)
	assert.Equal(t, 375, vp.Width)
	assert.Equal(t, 667, vp.Height)
	assert.Equal(t, "mobile", vp.String())
}

func TestParseViewport_Explicit(t *testing.T) {
	vp, err := ParseViewport("1920x1080")
	require.NoError(t, err)
	assert.Equal(t, ViewportSpec{Width: 1920, Height: 1080}, vp)
	assert.Equal(t, "1920x1080", vp.String())
}

func TestParseViewport_Invalid(t *testing.T) {
	for _, in := range []string{"huge", "0x100", "axb", "100x"} {
		_, err := ParseViewport(in)
		assert.True(t, IsCode(err, ErrCodeValidation), in)
	}
}

func TestViewportSpec_Resolve(t *testing.T) {
	vp, err := ViewportSpec{}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, DefaultViewport, vp)

	vp, err = ViewportSpec{Preset: "tablet"}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 768, vp.Width)
}

func TestFailurePolicy_Valid(t *testing.T) {
	assert.True(t, FailurePolicy("").Valid())
	assert.True(t, FailurePolicyIgnore.Valid())
	assert.False(t, FailurePolicy("abort").Valid())
}

func TestProviderConfig_Validate(t *testing.T) {
	assert.NoError(t, ProviderConfig{}.Validate())
	assert.NoError(t, ProviderConfig{Kind: ProviderSQL, SQL: &SQLProvider{Driver: "libsql", DSN: "file:x.db"}}.Validate())

	err := ProviderConfig{Kind: ProviderSQL, REST: &RESTProvider{BaseURL: "http://x"}}.Validate()
	assert.True(t, IsCode(err, ErrCodeValidation))

	err = ProviderConfig{Kind: "mongo"}.Validate()
	assert.ErrorContains(t, err, "unknown provider kind")
}

func TestCleanupResult_AddFailed(t *testing.T) {
	r := NewCleanupResult()
	assert.True(t, r.Success)
	r.AddDeleted("user:U1")
	r.AddFailed("team:T1", NewError(ErrCodeUnmappedType, "no handler"))

	assert.False(t, r.Success)
	assert.Equal(t, []string{"user:U1"}, r.Deleted)
	assert.Equal(t, []string{"team:T1: [UNMAPPED_TYPE] no handler"}, r.ErrorStrings())
}

func TestTrackedResource_Key(t *testing.T) {
	r := TrackedResource{Type: "row", ID: "R1", Metadata: map[string]any{"table": "posts", "n": 1}}
	assert.Equal(t, "row:R1", r.Key())
	assert.Equal(t, "posts", r.MetaString("table"))
	assert.Equal(t, "", r.MetaString("n"))
}
