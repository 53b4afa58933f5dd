package transfer

import (
	"bytes"
	"os"
	"sync"
	"testing"
	"time"

	"lantransfer/discovery"
)

// newTestManager builds a sender-side manager with a fast-polling client,
// skipping mDNS so tests stay on loopback.
func newTestManager(t *testing.T, callbacks Callbacks) *Manager {
	t.Helper()

	manager, err := NewManager(ManagerConfig{
		UserID:    "sender",
		UserName:  "Alice",
		Port:      0,
		SaveDir:   t.TempDir(),
		LocalIP:   "127.0.0.1",
		Callbacks: callbacks,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.server.Start(); err != nil {
		t.Fatalf("start manager server: %v", err)
	}
	manager.client = NewClient(ClientConfig{
		LocalName:           "Alice",
		LocalID:             "sender",
		LocalPort:           manager.server.Port(),
		ConfirmPollInterval: 10 * time.Millisecond,
		ConfirmWaitTimeout:  500 * time.Millisecond,
		OnSendProgress:      manager.onSendProgress,
	})
	t.Cleanup(manager.Stop)
	return manager
}

func receiverDevice(server *Server) discovery.DeviceInfo {
	return discovery.DeviceInfo{
		Name:   "Bob",
		UserID: "receiver",
		IP:     "127.0.0.1",
		Port:   server.Port(),
	}
}

func TestManagerSendFileAcceptedEndToEnd(t *testing.T) {
	var receiver *Server
	receiver = newTestServer(t, func(config *ServerConfig) {
		config.OnTransferRequest = func(request TransferRequest) {
			// The receiving user clicks accept.
			if err := receiver.Confirm(request.RequestID, true); err != nil {
				t.Errorf("confirm failed: %v", err)
			}
		}
	})

	manager := newTestManager(t, Callbacks{})
	payload := bytes.Repeat([]byte("payload"), 50000)
	path := tempFile(t, "big.bin", payload)

	result := manager.SendFileSync(manager.ctx, receiverDevice(receiver), path)
	if !result.Success || result.Reason != ReasonOK {
		t.Fatalf("unexpected result %+v", result)
	}

	saved, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if !bytes.Equal(saved, payload) {
		t.Fatalf("saved file differs from payload")
	}
}

func TestManagerSendFileRejected(t *testing.T) {
	var receiver *Server
	receiver = newTestServer(t, func(config *ServerConfig) {
		config.OnTransferRequest = func(request TransferRequest) {
			if err := receiver.Confirm(request.RequestID, false); err != nil {
				t.Errorf("confirm failed: %v", err)
			}
		}
	})

	manager := newTestManager(t, Callbacks{})
	path := tempFile(t, "report.pdf", []byte("hello"))

	result := manager.SendFileSync(manager.ctx, receiverDevice(receiver), path)
	if result.Success || result.Reason != ReasonRejected {
		t.Fatalf("expected rejection, got %+v", result)
	}
}

func TestManagerSendFileConfirmTimeout(t *testing.T) {
	// Receiver never answers the request.
	receiver := newTestServer(t, nil)

	manager := newTestManager(t, Callbacks{})
	path := tempFile(t, "report.pdf", []byte("hello"))

	result := manager.SendFileSync(manager.ctx, receiverDevice(receiver), path)
	if result.Success || result.Reason != ReasonTimeout {
		t.Fatalf("expected timeout, got %+v", result)
	}
}

func TestManagerSendFileUnreachablePeer(t *testing.T) {
	manager := newTestManager(t, Callbacks{})
	path := tempFile(t, "report.pdf", []byte("hello"))

	device := discovery.DeviceInfo{UserID: "ghost", IP: "127.0.0.1", Port: 1}
	result := manager.SendFileSync(manager.ctx, device, path)
	if result.Success || result.Reason != ReasonNetwork {
		t.Fatalf("expected network failure, got %+v", result)
	}
}

func TestManagerAsyncSendReportsCompletion(t *testing.T) {
	var receiver *Server
	receiver = newTestServer(t, func(config *ServerConfig) {
		config.OnTransferRequest = func(request TransferRequest) {
			if err := receiver.Confirm(request.RequestID, true); err != nil {
				t.Errorf("confirm failed: %v", err)
			}
		}
	})

	var (
		mu        sync.Mutex
		completed []SendResult
		progress  []int64
	)
	manager := newTestManager(t, Callbacks{
		SendProgress: func(requestID, filename string, sent, total int64) {
			mu.Lock()
			progress = append(progress, sent)
			mu.Unlock()
		},
		TransferCompleted: func(result SendResult) {
			mu.Lock()
			completed = append(completed, result)
			mu.Unlock()
		},
	})

	payload := bytes.Repeat([]byte("payload"), 50000)
	path := tempFile(t, "big.bin", payload)
	manager.SendFile(receiverDevice(receiver), path)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		done := len(completed) == 1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("TransferCompleted callback never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !completed[0].Success {
		t.Fatalf("unexpected completion %+v", completed[0])
	}
	if len(progress) == 0 || progress[len(progress)-1] != int64(len(payload)) {
		t.Fatalf("unexpected send progress trail %v", progress)
	}
}

func TestManagerLocalAcceptReject(t *testing.T) {
	manager := newTestManager(t, Callbacks{})

	request := manager.server.store.Add("report.pdf", 4, "Bob", "receiver", "127.0.0.1", 9999)
	if err := manager.Accept(request.RequestID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	other := manager.server.store.Add("notes.txt", 4, "Bob", "receiver", "127.0.0.1", 9999)
	if err := manager.Reject(other.RequestID); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	if err := manager.Accept("no-such-id"); err == nil {
		t.Fatalf("expected error for unknown request")
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(ManagerConfig{SaveDir: t.TempDir(), LocalIP: "127.0.0.1"}); err == nil {
		t.Fatalf("expected error for missing user ID")
	}
	if _, err := NewManager(ManagerConfig{UserID: "u1", LocalIP: "127.0.0.1"}); err == nil {
		t.Fatalf("expected error for missing save directory")
	}
}
