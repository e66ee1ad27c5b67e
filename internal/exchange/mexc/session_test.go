package mexc

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeListenKeyAPI struct {
	created       int
	keepalives    int
	closes        int
	keepaliveErrs []error
	closedKey     string
}

func (f *fakeListenKeyAPI) CreateListenKey(context.Context) (string, error) {
	f.created++
	return "lk-" + string(rune('0'+f.created)), nil
}

func (f *fakeListenKeyAPI) KeepAliveListenKey(context.Context, string) error {
	f.keepalives++
	if len(f.keepaliveErrs) == 0 {
		return nil
	}
	err := f.keepaliveErrs[0]
	f.keepaliveErrs = f.keepaliveErrs[1:]
	return err
}

func (f *fakeListenKeyAPI) CloseListenKey(_ context.Context, key string) error {
	f.closes++
	f.closedKey = key
	return nil
}

func TestEnsureKeyCreatesOnce(t *testing.T) {
	api := &fakeListenKeyAPI{}
	m := NewSessionManager(api, time.Hour, false, nil)

	key1, err := m.EnsureKey(context.Background())
	if err != nil {
		t.Fatalf("EnsureKey() error = %v", err)
	}
	key2, err := m.EnsureKey(context.Background())
	if err != nil {
		t.Fatalf("EnsureKey() error = %v", err)
	}
	if key1 != key2 {
		t.Fatalf("EnsureKey() = %q then %q, want the held key reused", key1, key2)
	}
	if api.created != 1 {
		t.Fatalf("created = %d, want 1", api.created)
	}
}

func TestRenewalRetriesOnceAndRecovers(t *testing.T) {
	api := &fakeListenKeyAPI{keepaliveErrs: []error{errors.New("transient")}}
	expired := false
	m := NewSessionManager(api, time.Hour, false, func(error) { expired = true })

	if _, err := m.EnsureKey(context.Background()); err != nil {
		t.Fatalf("EnsureKey() error = %v", err)
	}
	m.renew(context.Background())

	if api.keepalives != 2 {
		t.Fatalf("keepalives = %d, want 2 (one retry)", api.keepalives)
	}
	if expired {
		t.Fatal("session marked expired despite successful retry")
	}
	key, err := m.EnsureKey(context.Background())
	if err != nil || key != "lk-1" {
		t.Fatalf("EnsureKey() = %q, %v, want the original key kept", key, err)
	}
}

func TestRenewalFailingTwiceExpiresSession(t *testing.T) {
	api := &fakeListenKeyAPI{keepaliveErrs: []error{errors.New("down"), errors.New("still down")}}
	var gotErr error
	m := NewSessionManager(api, time.Hour, false, func(err error) { gotErr = err })

	if _, err := m.EnsureKey(context.Background()); err != nil {
		t.Fatalf("EnsureKey() error = %v", err)
	}
	m.renew(context.Background())

	if gotErr == nil {
		t.Fatal("expiry callback not invoked")
	}
	key, err := m.EnsureKey(context.Background())
	if err != nil {
		t.Fatalf("EnsureKey() error = %v", err)
	}
	if key == "lk-1" {
		t.Fatal("expired key reused; want a fresh key after invalidation")
	}
	if api.created != 2 {
		t.Fatalf("created = %d, want 2", api.created)
	}
}

func TestCloseReleasesKeyOnlyWhenConfigured(t *testing.T) {
	api := &fakeListenKeyAPI{}
	m := NewSessionManager(api, time.Hour, false, nil)
	if _, err := m.EnsureKey(context.Background()); err != nil {
		t.Fatalf("EnsureKey() error = %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if api.closes != 0 {
		t.Fatal("key released despite close_on_exit disabled")
	}

	api2 := &fakeListenKeyAPI{}
	m2 := NewSessionManager(api2, time.Hour, true, nil)
	if _, err := m2.EnsureKey(context.Background()); err != nil {
		t.Fatalf("EnsureKey() error = %v", err)
	}
	if err := m2.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if api2.closes != 1 || api2.closedKey != "lk-1" {
		t.Fatalf("closes = %d key %q, want the held key released once", api2.closes, api2.closedKey)
	}
}
