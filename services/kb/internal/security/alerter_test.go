package security

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestAlerter(t *testing.T) *AuditAlerter {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAuditAlerter(client, "test:alerts")
}

func TestAuditAlerterObserveTriggers(t *testing.T) {
	alerter := newTestAlerter(t)
	var last AlertResult
	for i := 0; i < 10; i++ {
		result, err := alerter.Observe(context.Background(), "kb.auth.callback", "fail", "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		last = result
	}
	if !last.Triggered || last.Count != 10 || last.Threshold != 10 {
		t.Fatalf("result = %+v", last)
	}
}

func TestAuditAlerterCountsPerClient(t *testing.T) {
	alerter := newTestAlerter(t)
	for i := 0; i < 3; i++ {
		_, _ = alerter.Observe(context.Background(), "kb.chat", "rate_limited", "10.0.0.1")
	}
	result, err := alerter.Observe(context.Background(), "kb.chat", "rate_limited", "10.0.0.2")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Count != 1 {
		t.Fatalf("count = %d, want 1", result.Count)
	}
}

func TestAuditAlerterIgnoresUnknownRule(t *testing.T) {
	alerter := newTestAlerter(t)
	result, err := alerter.Observe(context.Background(), "kb.custom", "success", "127.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestNilAlerterIsNoop(t *testing.T) {
	var alerter *AuditAlerter
	if NewAuditAlerter(nil, "") != nil {
		t.Fatalf("expected nil alerter without client")
	}
	if _, err := alerter.Observe(context.Background(), "kb.authorize", "fail", ""); err != nil {
		t.Fatalf("nil observe: %v", err)
	}
}
