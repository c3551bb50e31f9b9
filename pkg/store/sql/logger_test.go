package sql

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestQueryLoggerLevels(t *testing.T) {
	t.Parallel()

	q := &queryLogger{slowThreshold: 100 * time.Millisecond}

	testCases := []struct {
		name     string
		err      error
		elapsed  time.Duration
		expected logrus.Level
	}{
		{"fast", nil, time.Millisecond, logrus.DebugLevel},
		{"slow", nil, time.Second, logrus.WarnLevel},
		{"failed", errors.New("syntax error"), time.Millisecond, logrus.ErrorLevel},
		{"slow and failed", errors.New("syntax error"), time.Second, logrus.ErrorLevel},
		{"not found", gorm.ErrRecordNotFound, time.Millisecond, logrus.DebugLevel},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, q.level(testCase.err, testCase.elapsed))
		})
	}

	assert.Equal(t, logrus.DebugLevel, (&queryLogger{}).level(nil, time.Hour))
}

func TestQueryLoggerSkipsDisabledLevels(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	log := logrus.New()
	log.SetOutput(&out)
	log.SetLevel(logrus.InfoLevel)

	q := newQueryLogger(log, time.Second)

	called := false
	statement := func() (string, int64) {
		called = true

		return "SELECT 1", 1
	}

	q.Trace(context.Background(), time.Now(), statement, nil)
	assert.False(t, called)
	assert.Empty(t, out.String())

	q.Trace(context.Background(), time.Now(), statement, errors.New("boom"))
	assert.True(t, called)
	assert.Contains(t, out.String(), "SELECT 1")
	assert.Contains(t, out.String(), "boom")
}
