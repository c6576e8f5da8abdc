package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{level: "DEBUG", want: logrus.DebugLevel},
		{level: "info", want: logrus.InfoLevel},
		{level: "", want: logrus.InfoLevel},
		{level: "warn", want: logrus.WarnLevel},
		{level: "WARNING", want: logrus.WarnLevel},
		{level: "error", want: logrus.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, err := New(tt.level, "", &bytes.Buffer{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, log.Level)
		})
	}

	_, err := New("verbose", "", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("info", "json", &buf)
	require.NoError(t, err)

	log.WithField("job_id", "j1").Info("job created")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "j1", entry["job_id"])
	assert.Equal(t, "job created", entry["msg"])

	_, err = New("info", "xml", &buf)
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard().WithField("a", "b").Error("dropped")
	})
}
