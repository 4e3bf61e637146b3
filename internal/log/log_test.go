package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"trace", logrus.TraceLevel},
		{"DEBUG", logrus.DebugLevel},
		{" info ", logrus.InfoLevel},
		{"", logrus.InfoLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"Fatal", logrus.FatalLevel},
		{"bogus", logrus.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestSetLogger(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	SetLogger("debug")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	SetLogger("error")
	assert.Equal(t, logrus.ErrorLevel, logrus.GetLevel())
}
