package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/testutil/testlog"
	"github.com/danmuck/wsmux/internal/testutil/tlstest"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 10; attempt++ {
		base := NextBackoffDelay(BackoffConfig{InitialDelay: cfg.InitialDelay, Multiplier: 2, MaxDelay: cfg.MaxDelay}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < base/2 || got >= base*3/2 {
			t.Fatalf("attempt=%d jitter out of range: got=%v base=%v", attempt, got, base)
		}
	}
}

func TestBackoffCountsAndResets(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 3, MaxDelay: time.Second}, nil)
	wants := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond, time.Second}
	for i, want := range wants {
		attempt, got := b.Next()
		if attempt != i+1 || got != want {
			t.Fatalf("step %d: attempt=%d delay=%v want=%v", i, attempt, got, want)
		}
	}
	b.Reset()
	if b.Attempts() != 0 {
		t.Fatalf("expected reset attempts, got=%d", b.Attempts())
	}
	if _, got := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("after reset got=%v", got)
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HandshakeTimeout: time.Second}.WithDefaults()
	d := DefaultConfig()
	if cfg.HandshakeTimeout != time.Second {
		t.Fatalf("explicit field overwritten: %v", cfg.HandshakeTimeout)
	}
	if cfg.ConnectTimeout != d.ConnectTimeout || cfg.Backoff.InitialDelay != d.Backoff.InitialDelay {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("unexpected security mode %q", cfg.SecurityMode)
	}
}

func TestCallOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewCallOutbox()
	now := time.Unix(1700000000, 0)
	o.Upsert(PendingCall{CallID: "call.1", Method: "echo", QueuedAt: now})
	o.Upsert(PendingCall{CallID: " "})
	if o.Len() != 1 {
		t.Fatalf("blank id should be ignored, len=%d", o.Len())
	}
	item, ok := o.MarkAttempt("call.1", now.Add(time.Second), "rpc: connection lost")
	if !ok {
		t.Fatalf("missing pending item")
	}
	if item.Attempts != 1 || item.LastError != "rpc: connection lost" {
		t.Fatalf("unexpected item: %+v", item)
	}
	if got := o.List(); len(got) != 1 || got[0].Method != "echo" {
		t.Fatalf("unexpected list: %+v", got)
	}
	o.Remove("call.1")
	if _, ok := o.Get("call.1"); ok {
		t.Fatalf("call should be removed")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Hello{Secret: "s3cret", ClientID: "client.alpha"}
	got, err := ParseHello(in.Args())
	if err != nil {
		t.Fatalf("parse hello: %v", err)
	}
	if got != in {
		t.Fatalf("unexpected hello: %+v", got)
	}

	noSecret, err := ParseHello(Hello{ClientID: "client.beta"}.Args())
	if err != nil || noSecret.Secret != "" {
		t.Fatalf("hello without secret: %+v err=%v", noSecret, err)
	}
}

func TestParseHelloRejectsMalformed(t *testing.T) {
	testlog.Start(t)
	cases := [][]protocol.Value{
		nil,
		{protocol.String("secret")},
		{protocol.Map(map[string]protocol.Value{"secret": protocol.String("x")})},
		{protocol.Map(map[string]protocol.Value{"client_id": protocol.String("c"), "secret": protocol.Int(1)})},
	}
	for i, args := range cases {
		if _, err := ParseHello(args); !errors.Is(err, ErrInvalidHello) {
			t.Fatalf("case %d: expected ErrInvalidHello, got %v", i, err)
		}
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	ack := HelloAck{
		Status:      AckStatusRejected,
		Code:        uint32(-protocol.CodeUnauthorized),
		Message:     "bad secret",
		ClientID:    "client.alpha",
		TimestampMS: 1700000000000,
	}
	got, err := ParseHelloAck(ack.Value())
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if got != ack || got.Accepted() {
		t.Fatalf("unexpected ack: %+v", got)
	}
	if _, err := ParseHelloAck(protocol.String("ok")); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck, got %v", err)
	}
	ack.TimestampMS = 0
	if _, err := ParseHelloAck(ack.Value()); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck for missing timestamp, got %v", err)
	}
}

func TestValidateClientTransportProductionRequiresWSS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport("ws://example.test/ws"); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	if err := cfg.ValidateClientTransport("wss://example.test/ws"); err != nil {
		t.Fatalf("expected wss to pass, got %v", err)
	}
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport("wss://example.test/ws"); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateClientTransportRejectsBadURL(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	for _, raw := range []string{"", "http://example.test", "ws://", "::"} {
		if err := cfg.ValidateClientTransport(raw); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("%q: expected ErrInvalidURL, got %v", raw, err)
		}
	}
	cfg.SecurityMode = "staging"
	if err := cfg.ValidateClientTransport("ws://example.test"); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKey(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport("ws://example.test"); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	if err := cfg.ValidateClientTransport("wss://example.test"); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport("wss://example.test"); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport("wss://example.test"); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.TLS.CertFile, cfg.TLS.KeyFile = "/tmp/server.pem", "/tmp/server.key"
	cfg.TLS.Mutual = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
}

func TestTLSConfigBuildersLoadMaterial(t *testing.T) {
	testlog.Start(t)
	bundle := tlstest.Localhost(t)
	cfg := DefaultConfig()
	cfg.TLS = TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: bundle.ServerCert,
		KeyFile:  bundle.ServerKey,
		CAFile:   bundle.CAFile,
	}
	server, err := cfg.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	if len(server.Certificates) != 1 || server.ClientCAs == nil {
		t.Fatalf("server tls config incomplete")
	}

	cfg.TLS.CertFile, cfg.TLS.KeyFile = bundle.ClientCert, bundle.ClientKey
	client, err := cfg.ClientTLSConfig("localhost")
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if client.ServerName != "localhost" || client.RootCAs == nil || len(client.Certificates) != 1 {
		t.Fatalf("client tls config incomplete: server_name=%q", client.ServerName)
	}
}
