package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ludash/controlplane/internal/scheduler"
	"github.com/ludash/controlplane/internal/store"
	"github.com/ludash/controlplane/internal/store/storetest"
)

type recordingProvider struct {
	mu   sync.Mutex
	sent []Payload
	err  error
}

func (p *recordingProvider) Send(ctx context.Context, cfg map[string]interface{}, payload Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, payload)
	return nil
}

func newTestDigester(st store.Store, provider Provider) *Digester {
	d := NewDigester(st, NewChannels(st, nil), zerolog.Nop())
	d.resolveProvider = func(name string) Provider { return provider }
	return d
}

func mustCreateChannel(t *testing.T, st store.Store, ch store.NotificationChannel) int64 {
	t.Helper()
	id, err := st.CreateChannel(context.Background(), &ch)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return id
}

func TestDigestSendsImmediateChannelAndRecordsFingerprint(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	hostID, err := st.CreateHost(ctx, &store.Host{Hostname: "web-1"})
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	mustCreateChannel(t, st, store.NotificationChannel{
		Name:     "ops-immediate",
		Provider: "email",
		Enabled:  true,
		NotifyOn: store.NotifyOn{Updates: true},
		Schedule: store.Schedule{Immediate: true},
	})

	provider := &recordingProvider{}
	d := newTestDigester(st, provider)

	batch := []scheduler.CheckResult{
		{HostID: hostID, Name: "web-1", UpdateCount: 2, SecurityCount: 1, Packages: []string{"curl", "bash"}},
	}
	d.Digest(ctx, batch)

	if len(provider.sent) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(provider.sent))
	}

	host, err := st.GetHost(ctx, hostID)
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if host.LastNotifiedFingerprint == "" {
		t.Error("expected fingerprint to be recorded after a successful send")
	}

	// A second sweep with the identical update set must not re-send.
	d.Digest(ctx, batch)
	if len(provider.sent) != 1 {
		t.Errorf("expected dedup to suppress repeat send, got %d total sends", len(provider.sent))
	}
}

func TestDigestDoesNotRecordFingerprintOnSendFailure(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	hostID, _ := st.CreateHost(ctx, &store.Host{Hostname: "web-1"})
	mustCreateChannel(t, st, store.NotificationChannel{
		Name:     "ops-immediate",
		Provider: "email",
		Enabled:  true,
		NotifyOn: store.NotifyOn{Updates: true},
		Schedule: store.Schedule{Immediate: true},
	})

	provider := &recordingProvider{err: errors.New("smtp down")}
	d := newTestDigester(st, provider)

	d.Digest(ctx, []scheduler.CheckResult{
		{HostID: hostID, Name: "web-1", UpdateCount: 2, Packages: []string{"curl"}},
	})

	host, _ := st.GetHost(ctx, hostID)
	if host.LastNotifiedFingerprint != "" {
		t.Error("fingerprint must not be recorded when the send failed")
	}
}

func TestDigestSkipsChannelOutOfScope(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	hostID, _ := st.CreateHost(ctx, &store.Host{Hostname: "web-1"})
	otherID, _ := st.CreateHost(ctx, &store.Host{Hostname: "web-2"})
	mustCreateChannel(t, st, store.NotificationChannel{
		Name:         "scoped",
		Provider:     "email",
		Enabled:      true,
		NotifyOn:     store.NotifyOn{Updates: true},
		Schedule:     store.Schedule{Immediate: true},
		ScopeHostIDs: []int64{otherID},
	})

	provider := &recordingProvider{}
	d := newTestDigester(st, provider)
	d.Digest(ctx, []scheduler.CheckResult{
		{HostID: hostID, Name: "web-1", UpdateCount: 2, Packages: []string{"curl"}},
	})

	if len(provider.sent) != 0 {
		t.Errorf("expected no dispatch for out-of-scope host, got %d", len(provider.sent))
	}
}

func TestDigestBuffersForCronChannelUntilDue(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	hostA, _ := st.CreateHost(ctx, &store.Host{Hostname: "web-1"})
	hostB, _ := st.CreateHost(ctx, &store.Host{Hostname: "web-2"})
	chID := mustCreateChannel(t, st, store.NotificationChannel{
		Name:     "yearly",
		Provider: "email",
		Enabled:  true,
		NotifyOn: store.NotifyOn{Updates: true},
		Schedule: store.Schedule{Cron: "0 0 1 1 *"}, // once a year, Jan 1st
	})

	provider := &recordingProvider{}
	d := newTestDigester(st, provider)

	// First digest: channel has never sent, so a never-sent cron channel is
	// treated as immediately due (nil LastSentAt == epoch) and fires.
	d.Digest(ctx, []scheduler.CheckResult{
		{HostID: hostA, Name: "web-1", UpdateCount: 2, Packages: []string{"curl"}},
	})
	if len(provider.sent) != 1 {
		t.Fatalf("expected the never-sent cron channel to fire once, got %d sends", len(provider.sent))
	}

	// Second digest, different host: LastSentAt is now recent, so the
	// channel's next yearly slot is far off — this event must buffer.
	d.Digest(ctx, []scheduler.CheckResult{
		{HostID: hostB, Name: "web-2", UpdateCount: 3, Packages: []string{"bash"}},
	})
	if len(provider.sent) != 1 {
		t.Fatalf("cron channel fired again before its schedule was due, sends=%d", len(provider.sent))
	}
	ch, err := st.GetChannel(ctx, chID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if len(ch.Pending) != 1 || ch.Pending[0].HostID != hostB {
		t.Errorf("expected host B's event buffered into Pending, got %+v", ch.Pending)
	}
}

func TestDigestFlushesCronChannelWhenDue(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	hostID, _ := st.CreateHost(ctx, &store.Host{Hostname: "web-1"})
	mustCreateChannel(t, st, store.NotificationChannel{
		Name:     "every-minute",
		Provider: "email",
		Enabled:  true,
		NotifyOn: store.NotifyOn{Updates: true},
		Schedule: store.Schedule{Cron: "* * * * *"}, // always due since nil LastSentAt == epoch
	})

	provider := &recordingProvider{}
	d := newTestDigester(st, provider)
	d.Digest(ctx, []scheduler.CheckResult{
		{HostID: hostID, Name: "web-1", UpdateCount: 2, Packages: []string{"curl"}},
	})

	if len(provider.sent) != 1 {
		t.Fatalf("expected immediate flush for a due cron channel, got %d sends", len(provider.sent))
	}
}

func TestIsDueTreatsNilLastSentAsEpoch(t *testing.T) {
	ch := &store.NotificationChannel{Schedule: store.Schedule{Cron: "0 0 1 1 *"}}
	due, err := isDue(ch, time.Now())
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if !due {
		t.Error("expected a channel that has never sent to be immediately due")
	}
}
