package sipmsg_test

import (
	"testing"

	"github.com/sipmesh/dispatcher/sipmsg"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		in       string
		wantUser string
		wantHost string
		wantPort uint16
		wantErr  bool
	}{
		{in: "sip:alice@example.com", wantUser: "alice", wantHost: "example.com"},
		{in: "sip:alice@example.com:5060", wantUser: "alice", wantHost: "example.com", wantPort: 5060},
		{in: "sips:bob@secure.example.com:5061;transport=tls", wantUser: "bob", wantHost: "secure.example.com", wantPort: 5061},
		{in: "sip:[::1]:5060", wantHost: "[::1]", wantPort: 5060},
		{in: "not-a-uri", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := sipmsg.ParseURI(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.User != tt.wantUser {
				t.Errorf("User = %q, want %q", u.User, tt.wantUser)
			}
			if u.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", u.Host, tt.wantHost)
			}
			if u.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", u.Port, tt.wantPort)
			}
		})
	}
}

func TestURIRoundTrip(t *testing.T) {
	in := "sip:alice@example.com:5060;transport=tcp"
	u, err := sipmsg.ParseURI(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := u.String(); got != in {
		t.Errorf("String() = %q, want %q", got, in)
	}
}

func TestIsIPLiteral(t *testing.T) {
	u, _ := sipmsg.ParseURI("sip:1.2.3.4:5060")
	if !u.IsIPLiteral() {
		t.Errorf("expected IP literal")
	}
	u2, _ := sipmsg.ParseURI("sip:example.com:5060")
	if u2.IsIPLiteral() {
		t.Errorf("expected non-literal")
	}
}
