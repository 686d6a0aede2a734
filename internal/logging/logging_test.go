package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	l, err := New("debug", "text")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	_, err = New("loud", "text")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestJSONFormat(t *testing.T) {
	l, err := New("info", "json")
	require.NoError(t, err)

	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.WithField("lobby_id", 42).Info("created")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "created", line["msg"])
	assert.Equal(t, float64(42), line["lobby_id"])
}
