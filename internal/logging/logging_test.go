package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New("walker", Output(&buf), Level("debug"))
	t.Cleanup(func() {
		_ = Set(Level("info"))
		_ = Set(func(l *logrus.Logger) error { l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true}); return nil })
	})

	log.WithField("tenant", "Acme").Debug("expanding")
	out := buf.String()
	assert.Contains(t, out, "component=walker")
	assert.Contains(t, out, "tenant=Acme")
	assert.Contains(t, out, "level=debug")
}

func TestLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Set(Output(&buf)))
	require.NoError(t, Set(Level("loud")))
	assert.Equal(t, logrus.InfoLevel, root.logger.GetLevel())
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New("json", Output(&buf), JSON(), Level("info"))
	t.Cleanup(func() {
		_ = Set(func(l *logrus.Logger) error { l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true}); return nil })
	})

	log.Info("hello")
	assert.Contains(t, buf.String(), `"component":"json"`)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}
