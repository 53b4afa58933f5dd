package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"lantransfer/logging"
)

const (
	// DefaultRequestTimeout bounds the initial handshake call.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultConfirmPollInterval is how often the sender polls for a decision.
	DefaultConfirmPollInterval = time.Second
	// DefaultConfirmWaitTimeout is how long the sender waits for a decision.
	DefaultConfirmWaitTimeout = 30 * time.Second
	// DefaultMinSendTimeout is the floor for the byte-stream deadline.
	DefaultMinSendTimeout = 5 * time.Minute

	// sendFloorBytesPerSecond scales the send deadline for large files. A
	// transfer slower than this is treated as stalled.
	sendFloorBytesPerSecond = 256 * 1024

	// sendBufferSize is the read granularity on the sending side and the
	// cadence of send progress callbacks.
	sendBufferSize = 64 * 1024
)

// ClientConfig configures the sending side of the transfer protocol.
type ClientConfig struct {
	// LocalName, LocalID and LocalPort identify this device to the peer.
	LocalName string
	LocalID   string
	LocalPort int

	RequestTimeout      time.Duration
	ConfirmPollInterval time.Duration
	ConfirmWaitTimeout  time.Duration
	MinSendTimeout      time.Duration

	// OnSendProgress fires as bytes go out, roughly once per read buffer.
	OnSendProgress func(requestID, filename string, sent, total int64)
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = DefaultConfirmPollInterval
	}
	if c.ConfirmWaitTimeout <= 0 {
		c.ConfirmWaitTimeout = DefaultConfirmWaitTimeout
	}
	if c.MinSendTimeout <= 0 {
		c.MinSendTimeout = DefaultMinSendTimeout
	}
	return c
}

// Client talks to a peer's transfer server.
type Client struct {
	config ClientConfig
	logger zerolog.Logger
}

// NewClient creates a sending-side client.
func NewClient(config ClientConfig) *Client {
	return &Client{
		config: config.withDefaults(),
		logger: logging.Default().With().Str("component", "transfer_client").Logger(),
	}
}

// SendTransferRequest proposes a transfer to the peer at ip:port and returns
// the request ID the peer assigned.
func (c *Client) SendTransferRequest(ctx context.Context, ip string, port int, filePath string) RequestResult {
	info, err := os.Stat(filePath)
	if err != nil {
		return RequestResult{Message: fmt.Sprintf("stat file: %v", err), Reason: ReasonLocalIO}
	}
	if info.IsDir() {
		return RequestResult{Message: "source path must be a file", Reason: ReasonLocalIO}
	}

	body, err := json.Marshal(transferRequestBody{
		Filename:   filepath.Base(filePath),
		FileSize:   info.Size(),
		SenderName: c.config.LocalName,
		SenderID:   c.config.LocalID,
		SenderPort: c.config.LocalPort,
	})
	if err != nil {
		return RequestResult{Message: err.Error(), Reason: ReasonProtocol}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(ip, port, "/transfer_request"), bytes.NewReader(body))
	if err != nil {
		return RequestResult{Message: err.Error(), Reason: ReasonProtocol}
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return RequestResult{Message: err.Error(), Reason: transportReason(err)}
	}
	defer drainAndClose(response.Body)

	if response.StatusCode != http.StatusOK {
		return RequestResult{
			Message: fmt.Sprintf("peer answered %d: %s", response.StatusCode, readMessage(response.Body)),
			Reason:  ReasonProtocol,
		}
	}

	var decoded struct {
		RequestID string `json:"request_id"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil || decoded.RequestID == "" {
		return RequestResult{Message: "malformed peer response", Reason: ReasonProtocol}
	}

	c.logger.Info().
		Str("request_id", decoded.RequestID).
		Str("peer", fmt.Sprintf("%s:%d", ip, port)).
		Str("filename", filepath.Base(filePath)).
		Msg("transfer request sent")

	return RequestResult{Success: true, RequestID: decoded.RequestID, Message: decoded.Message, Reason: ReasonOK}
}

// WaitForConfirm polls the peer until the request is decided or the wait
// times out. A timeout yields Reason=timeout, distinct from a rejection.
func (c *Client) WaitForConfirm(ctx context.Context, ip string, port int, requestID string) ConfirmResult {
	deadline := time.Now().Add(c.config.ConfirmWaitTimeout)
	ticker := time.NewTicker(c.config.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		result, done := c.pollStatus(ctx, ip, port, requestID)
		if done {
			return result
		}

		if time.Now().After(deadline) {
			return ConfirmResult{Message: "peer did not answer in time", Reason: ReasonTimeout}
		}
		select {
		case <-ctx.Done():
			return ConfirmResult{Message: ctx.Err().Error(), Reason: ReasonTimeout}
		case <-ticker.C:
		}
	}
}

func (c *Client) pollStatus(ctx context.Context, ip string, port int, requestID string) (ConfirmResult, bool) {
	pollCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	endpoint := peerURL(ip, port, "/transfer_status") + "?request_id=" + url.QueryEscape(requestID)
	request, err := http.NewRequestWithContext(pollCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ConfirmResult{Message: err.Error(), Reason: ReasonProtocol}, true
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		// Transient failures do not end the wait; the peer may come back
		// before the deadline.
		return ConfirmResult{}, false
	}
	defer drainAndClose(response.Body)

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		return ConfirmResult{Message: "transfer request expired", Reason: ReasonTimeout}, true
	case http.StatusNotFound:
		return ConfirmResult{Message: "peer no longer knows the request", Reason: ReasonProtocol}, true
	default:
		return ConfirmResult{
			Message: fmt.Sprintf("peer answered %d: %s", response.StatusCode, readMessage(response.Body)),
			Reason:  ReasonProtocol,
		}, true
	}

	var decoded struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return ConfirmResult{Message: "malformed peer response", Reason: ReasonProtocol}, true
	}

	switch Status(decoded.Status) {
	case StatusAccepted:
		return ConfirmResult{Success: true, Accepted: true, Reason: ReasonOK}, true
	case StatusRejected:
		return ConfirmResult{Success: true, Accepted: false, Message: "peer rejected the transfer", Reason: ReasonRejected}, true
	case StatusPending:
		return ConfirmResult{}, false
	default:
		return ConfirmResult{Message: fmt.Sprintf("unexpected status %q", decoded.Status), Reason: ReasonProtocol}, true
	}
}

// ConfirmTransfer relays a decision to the peer that owns the request.
func (c *Client) ConfirmTransfer(ctx context.Context, ip string, port int, requestID string, accepted bool) ConfirmResult {
	body, _ := json.Marshal(transferConfirmBody{RequestID: requestID, Accepted: accepted})

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(ip, port, "/transfer_confirm"), bytes.NewReader(body))
	if err != nil {
		return ConfirmResult{Message: err.Error(), Reason: ReasonProtocol}
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return ConfirmResult{Message: err.Error(), Reason: transportReason(err)}
	}
	defer drainAndClose(response.Body)

	switch response.StatusCode {
	case http.StatusOK:
		return ConfirmResult{Success: true, Accepted: accepted, Reason: ReasonOK}
	case http.StatusGone:
		return ConfirmResult{Message: "transfer request expired", Reason: ReasonTimeout}
	default:
		return ConfirmResult{
			Message: fmt.Sprintf("peer answered %d: %s", response.StatusCode, readMessage(response.Body)),
			Reason:  ReasonProtocol,
		}
	}
}

// SendFile streams the file bytes for an accepted request. The deadline
// scales with file size so large files on slow links are not cut off.
func (c *Client) SendFile(ctx context.Context, ip string, port int, requestID, filePath string) SendResult {
	filename := filepath.Base(filePath)

	info, err := os.Stat(filePath)
	if err != nil {
		return SendResult{Message: fmt.Sprintf("stat file: %v", err), Filename: filename, Reason: ReasonLocalIO}
	}
	file, err := os.Open(filePath)
	if err != nil {
		return SendResult{Message: fmt.Sprintf("open file: %v", err), Filename: filename, Reason: ReasonLocalIO}
	}
	defer func() {
		_ = file.Close()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout(info.Size()))
	defer cancel()

	body := &progressReader{
		reader: file,
		total:  info.Size(),
		report: func(sent, total int64) {
			if c.config.OnSendProgress != nil {
				c.config.OnSendProgress(requestID, filename, sent, total)
			}
		},
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(ip, port, "/transfer"), body)
	if err != nil {
		return SendResult{Message: err.Error(), Filename: filename, Reason: ReasonProtocol}
	}
	request.ContentLength = info.Size()
	request.Header.Set("Content-Type", "application/octet-stream")
	request.Header.Set(HeaderRequestID, requestID)
	request.Header.Set(HeaderFilename, url.QueryEscape(filename))

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return SendResult{Message: err.Error(), Filename: filename, Reason: transportReason(err)}
	}
	defer drainAndClose(response.Body)

	if response.StatusCode != http.StatusOK {
		reason := ReasonProtocol
		if response.StatusCode == http.StatusForbidden {
			reason = ReasonRejected
		}
		return SendResult{
			Message:  fmt.Sprintf("peer answered %d: %s", response.StatusCode, readMessage(response.Body)),
			Filename: filename,
			Reason:   reason,
		}
	}

	var decoded struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return SendResult{Message: "malformed peer response", Filename: filename, Reason: ReasonProtocol}
	}

	c.logger.Info().
		Str("request_id", requestID).
		Str("filename", filename).
		Int64("file_size", info.Size()).
		Msg("file sent")

	return SendResult{Success: true, Message: "transfer complete", Filename: filename, Path: decoded.Path, Reason: ReasonOK}
}

// CheckStatus reports whether the peer's transfer server answers.
func (c *Client) CheckStatus(ctx context.Context, ip string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL(ip, port, "/status"), nil)
	if err != nil {
		return false
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return false
	}
	defer drainAndClose(response.Body)
	return response.StatusCode == http.StatusOK
}

func (c *Client) sendTimeout(size int64) time.Duration {
	scaled := time.Duration(size/sendFloorBytesPerSecond) * time.Second
	if scaled < c.config.MinSendTimeout {
		return c.config.MinSendTimeout
	}
	return scaled
}

// progressReader reports cumulative bytes after every read.
type progressReader struct {
	reader io.Reader
	sent   int64
	total  int64
	report func(sent, total int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	if len(p) > sendBufferSize {
		p = p[:sendBufferSize]
	}
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		if r.report != nil {
			r.report(r.sent, r.total)
		}
	}
	return n, err
}

func peerURL(ip string, port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", ip, port, path)
}

func transportReason(err error) Reason {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ReasonTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonNetwork
}

func readMessage(body io.Reader) string {
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&decoded); err != nil || decoded.Message == "" {
		return "no detail"
	}
	return decoded.Message
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}
