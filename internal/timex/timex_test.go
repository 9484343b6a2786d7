package timex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalString(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"10m"`), &d))
	assert.Equal(t, 10*time.Minute, d.Duration)
}

func TestDuration_UnmarshalNanoseconds(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`5000000000`), &d))
	assert.Equal(t, 5*time.Second, d.Duration)
}

func TestDuration_UnmarshalInvalid(t *testing.T) {
	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"nonsense"`), &d))
}

func TestDuration_RoundTrip(t *testing.T) {
	d := Duration{3 * time.Second}
	b, err := json.Marshal(d)
	require.NoError(t, err)
	var got Duration
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, d.Duration, got.Duration)
}
