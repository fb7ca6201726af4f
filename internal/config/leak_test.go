package config

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestWatch_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := writeConfig(t, routesYAML)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, 10*time.Millisecond, func() {}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}
