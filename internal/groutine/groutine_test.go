package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_PropagatesName(t *testing.T) {
	names := make(chan string, 1)
	Go(context.Background(), "worker-42", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "worker-42", name, "goroutine name MUST be visible through the context")
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoWithLogger_RecoversPanic(t *testing.T) {
	logger, hook := test.NewNullLogger()
	done := make(chan struct{})

	GoWithLogger(context.Background(), logger, "boom", func(ctx context.Context) {
		defer close(done)
		panic("kaboom")
	})

	<-done
	require.Eventually(t, func() bool { return hook.LastEntry() != nil }, time.Second, 5*time.Millisecond,
		"recovered panic MUST be logged")
	entry := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "boom", entry.Data["goroutine"])
	assert.Equal(t, "kaboom", entry.Data["panic"])
}

func TestGetName_Empty(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
}
