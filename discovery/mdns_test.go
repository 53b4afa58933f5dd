package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestAnnouncePublishesExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
		calls       int
	)

	announcer, err := NewAnnouncer(Config{
		UserID:     "u1",
		UserName:   "Alice",
		AvatarURL:  "https://example.com/a.png",
		DeviceName: "Alice MacBook",
		GroupID:    "g7",
		LocalIP:    "10.0.0.5",
		Port:       8765,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			calls++
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("NewAnnouncer failed: %v", err)
	}

	if err := announcer.Announce(ScopeAll); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected one register call, got %d", calls)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain %q", gotDomain)
	}
	if gotPort != 8765 {
		t.Fatalf("unexpected port %d", gotPort)
	}
	if gotInstance == "" || gotInstance != announcer.Instance() {
		t.Fatalf("unexpected instance %q", gotInstance)
	}

	assertContainsTXT(t, gotTXT, "name=Alice")
	assertContainsTXT(t, gotTXT, "user_id=u1")
	assertContainsTXT(t, gotTXT, "avatar_url=https://example.com/a.png")
	assertContainsTXT(t, gotTXT, "device_name=Alice MacBook")
	assertContainsTXT(t, gotTXT, "group_id=g7")
	assertContainsTXT(t, gotTXT, "discover_scope=all")
}

func TestAnnounceScopeChangeRepublishes(t *testing.T) {
	var published [][]string

	announcer, err := NewAnnouncer(Config{
		UserID:   "u1",
		UserName: "Alice",
		LocalIP:  "10.0.0.5",
		Port:     8765,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			published = append(published, append([]string(nil), text...))
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("NewAnnouncer failed: %v", err)
	}

	if err := announcer.Announce(ScopeAll); err != nil {
		t.Fatalf("Announce all failed: %v", err)
	}
	if err := announcer.Announce(ScopeGroup); err != nil {
		t.Fatalf("Announce group failed: %v", err)
	}

	if len(published) != 2 {
		t.Fatalf("expected two publishes, got %d", len(published))
	}
	assertContainsTXT(t, published[0], "discover_scope=all")
	assertContainsTXT(t, published[1], "discover_scope=group")
}

func TestAnnounceScopeNoneUnpublishesOnly(t *testing.T) {
	calls := 0

	announcer, err := NewAnnouncer(Config{
		UserID:   "u1",
		UserName: "Alice",
		LocalIP:  "10.0.0.5",
		Port:     8765,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			calls++
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("NewAnnouncer failed: %v", err)
	}

	if err := announcer.Announce(ScopeNone); err != nil {
		t.Fatalf("Announce none failed: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no register call for scope none, got %d", calls)
	}
	if announcer.Scope() != ScopeNone {
		t.Fatalf("unexpected scope %q", announcer.Scope())
	}
}

func TestNewAnnouncerValidatesIdentity(t *testing.T) {
	if _, err := NewAnnouncer(Config{UserName: "Alice", Port: 8765}); err == nil {
		t.Fatalf("expected error for missing user ID")
	}
	if _, err := NewAnnouncer(Config{UserID: "u1", UserName: "Alice"}); err == nil {
		t.Fatalf("expected error for missing port")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
