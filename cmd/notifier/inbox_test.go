package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeUpdater implements InboxUpdater for tests
type fakeUpdater struct {
	failAppend  int // number of times to fail Append before succeeding
	failTrim    int // number of times to fail Trim before succeeding
	appendCalls int
	trimCalls   int
	appended    [][]byte
}

func (f *fakeUpdater) Append(ctx context.Context, key string, payload []byte) error {
	f.appendCalls++
	if f.appendCalls <= f.failAppend {
		return errors.New("append fail")
	}
	f.appended = append(f.appended, payload)
	return nil
}

func (f *fakeUpdater) Trim(ctx context.Context, key string) error {
	f.trimCalls++
	if f.trimCalls <= f.failTrim {
		return errors.New("trim fail")
	}
	return nil
}

func TestAppendWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failAppend: 1, failTrim: 1}
	start := time.Now()
	if err := appendWithRetry(context.Background(), f, "inbox:u1", []byte(`{}`), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.appendCalls != 2 || f.trimCalls != 2 {
		t.Fatalf("expected retries, got append=%d trim=%d", f.appendCalls, f.trimCalls)
	}
	if len(f.appended) != 1 {
		t.Fatalf("payload appended %d times, want once", len(f.appended))
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected a backoff per failed step")
	}
}

func TestAppendWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failAppend: 5}
	if err := appendWithRetry(context.Background(), f, "inbox:u1", []byte(`{}`), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.appendCalls != 3 || f.trimCalls != 0 {
		t.Fatalf("unexpected calls append=%d trim=%d", f.appendCalls, f.trimCalls)
	}
}

func TestAppendWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failAppend: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := appendWithRetry(ctx, f, "inbox:u1", []byte(`{}`), 3, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
