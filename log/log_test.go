package log_test

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"pipelined.dev/splice/log"
)

func TestSetLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
		err      bool
	}{
		{level: "", expected: logrus.InfoLevel},
		{level: "debug", expected: logrus.DebugLevel},
		{level: "warn", expected: logrus.WarnLevel},
		{level: "loud", expected: logrus.InfoLevel, err: true},
	}
	for _, test := range tests {
		l := logrus.New()
		err := log.SetLevel(l, test.level)
		if test.err {
			assert.Error(t, err)
		} else {
			assert.NoError(t, err)
		}
		assert.Equal(t, test.expected, l.GetLevel())
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	log.Component(l, "relay").Info("started")
	assert.Contains(t, buf.String(), "component=relay")
	assert.Contains(t, buf.String(), "started")

	log.Discard().Error("dropped")
}
