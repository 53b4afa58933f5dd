package transfer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

func fastClient(mutate func(*ClientConfig)) *Client {
	config := ClientConfig{
		LocalName:           "Alice",
		LocalID:             "u1",
		LocalPort:           8765,
		RequestTimeout:      2 * time.Second,
		ConfirmPollInterval: 10 * time.Millisecond,
		ConfirmWaitTimeout:  500 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}
	return NewClient(config)
}

func peerAddr(t *testing.T, server *httptest.Server) (string, int) {
	t.Helper()
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return parsed.Hostname(), port
}

func tempFile(t *testing.T, name string, payload []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestClientSendTransferRequest(t *testing.T) {
	var got transferRequestBody
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transfer_request" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "pending",
			"request_id": "req-1",
			"message":    "awaiting receiver confirmation",
		})
	}))
	defer peer.Close()

	ip, port := peerAddr(t, peer)
	path := tempFile(t, "report.pdf", []byte("hello"))

	result := fastClient(nil).SendTransferRequest(context.Background(), ip, port, path)
	if !result.Success || result.RequestID != "req-1" || result.Reason != ReasonOK {
		t.Fatalf("unexpected result %+v", result)
	}
	if got.Filename != "report.pdf" || got.FileSize != 5 || got.SenderID != "u1" || got.SenderPort != 8765 {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestClientSendTransferRequestUnreachablePeer(t *testing.T) {
	// Grab a port that nothing listens on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	path := tempFile(t, "report.pdf", []byte("hello"))
	result := fastClient(nil).SendTransferRequest(context.Background(), "127.0.0.1", port, path)
	if result.Success || result.Reason != ReasonNetwork {
		t.Fatalf("expected network failure, got %+v", result)
	}
}

func TestClientSendTransferRequestMissingFile(t *testing.T) {
	result := fastClient(nil).SendTransferRequest(context.Background(), "127.0.0.1", 1, filepath.Join(t.TempDir(), "missing.bin"))
	if result.Success || result.Reason != ReasonLocalIO {
		t.Fatalf("expected local IO failure, got %+v", result)
	}
}

func confirmPollPeer(t *testing.T, answers []string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	calls := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		status := answers[len(answers)-1]
		if calls < len(answers) {
			status = answers[calls]
		}
		calls++
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"request_id": "req-1", "status": status})
	}))
}

func TestClientWaitForConfirmAccepted(t *testing.T) {
	peer := confirmPollPeer(t, []string{"pending", "pending", "accepted"})
	defer peer.Close()
	ip, port := peerAddr(t, peer)

	result := fastClient(nil).WaitForConfirm(context.Background(), ip, port, "req-1")
	if !result.Success || !result.Accepted || result.Reason != ReasonOK {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestClientWaitForConfirmRejected(t *testing.T) {
	peer := confirmPollPeer(t, []string{"pending", "rejected"})
	defer peer.Close()
	ip, port := peerAddr(t, peer)

	result := fastClient(nil).WaitForConfirm(context.Background(), ip, port, "req-1")
	if !result.Success || result.Accepted || result.Reason != ReasonRejected {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestClientWaitForConfirmTimesOut(t *testing.T) {
	peer := confirmPollPeer(t, []string{"pending"})
	defer peer.Close()
	ip, port := peerAddr(t, peer)

	result := fastClient(nil).WaitForConfirm(context.Background(), ip, port, "req-1")
	if result.Success || result.Reason != ReasonTimeout {
		t.Fatalf("expected timeout, got %+v", result)
	}
}

func TestClientWaitForConfirmExpired(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusGone, "transfer request expired")
	}))
	defer peer.Close()
	ip, port := peerAddr(t, peer)

	result := fastClient(nil).WaitForConfirm(context.Background(), ip, port, "req-1")
	if result.Success || result.Reason != ReasonTimeout {
		t.Fatalf("expected timeout reason for expired request, got %+v", result)
	}
}

func TestClientSendFileStreamsBytes(t *testing.T) {
	payload := make([]byte, 300*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	var (
		gotRequestID string
		gotFilename  string
		gotBody      []byte
	)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = r.Header.Get(HeaderRequestID)
		gotFilename = r.Header.Get(HeaderFilename)
		body := make([]byte, 0, len(payload))
		buffer := make([]byte, 32*1024)
		for {
			n, err := r.Body.Read(buffer)
			body = append(body, buffer[:n]...)
			if err != nil {
				break
			}
		}
		gotBody = body
		writeJSON(w, http.StatusOK, map[string]string{"status": "received", "path": "/saved/data bin"})
	}))
	defer peer.Close()
	ip, port := peerAddr(t, peer)

	var mu sync.Mutex
	var progress []int64
	client := fastClient(func(config *ClientConfig) {
		config.OnSendProgress = func(requestID, filename string, sent, total int64) {
			mu.Lock()
			progress = append(progress, sent)
			mu.Unlock()
		}
	})

	path := tempFile(t, "data bin", payload)
	result := client.SendFile(context.Background(), ip, port, "req-1", path)
	if !result.Success || result.Reason != ReasonOK {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Path != "/saved/data bin" {
		t.Fatalf("unexpected saved path %q", result.Path)
	}
	if gotRequestID != "req-1" {
		t.Fatalf("unexpected request ID header %q", gotRequestID)
	}
	if decoded, err := url.QueryUnescape(gotFilename); err != nil || decoded != "data bin" {
		t.Fatalf("unexpected filename header %q", gotFilename)
	}
	if len(gotBody) != len(payload) {
		t.Fatalf("peer received %d bytes, want %d", len(gotBody), len(payload))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) < 2 {
		t.Fatalf("expected multiple progress callbacks for a multi-buffer file, got %d", len(progress))
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
	if progress[len(progress)-1] != int64(len(payload)) {
		t.Fatalf("final progress %d, want %d", progress[len(progress)-1], len(payload))
	}
}

func TestClientSendFileForbidden(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusForbidden, "transfer request not accepted")
	}))
	defer peer.Close()
	ip, port := peerAddr(t, peer)

	path := tempFile(t, "report.pdf", []byte("hello"))
	result := fastClient(nil).SendFile(context.Background(), ip, port, "req-1", path)
	if result.Success || result.Reason != ReasonRejected {
		t.Fatalf("expected rejected reason, got %+v", result)
	}
}

func TestClientSendTimeoutScalesWithSize(t *testing.T) {
	client := fastClient(func(config *ClientConfig) {
		config.MinSendTimeout = 5 * time.Minute
	})

	if got := client.sendTimeout(1024); got != 5*time.Minute {
		t.Fatalf("small file timeout %v, want floor", got)
	}
	// 1 GiB at the 256 KiB/s floor needs over an hour.
	if got := client.sendTimeout(1 << 30); got <= 5*time.Minute {
		t.Fatalf("large file timeout %v did not scale", got)
	}
}

func TestClientCheckStatus(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
	}))
	ip, port := peerAddr(t, peer)

	client := fastClient(nil)
	if !client.CheckStatus(context.Background(), ip, port) {
		t.Fatalf("expected running peer to answer status check")
	}

	peer.Close()
	if client.CheckStatus(context.Background(), ip, port) {
		t.Fatalf("expected closed peer to fail status check")
	}
}
