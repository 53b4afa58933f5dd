package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lantransfer/logging"
)

// DefaultRequestTimeout bounds each individual upload HTTP call. The overall
// upload has no deadline; resumability makes long runs safe to interrupt.
const DefaultRequestTimeout = 30 * time.Second

// UploaderConfig configures the chunked upload client.
type UploaderConfig struct {
	// BaseURL is the upload API root, e.g. "http://host:port/api/upload".
	BaseURL string

	// RequestTimeout bounds each HTTP call.
	RequestTimeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

func (c UploaderConfig) withDefaults() UploaderConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// UploadResult is the outcome of one Upload call.
type UploadResult struct {
	Success bool
	// URL is where the backend serves the uploaded file.
	URL     string
	Message string
}

// Uploader sends files to the backend in resumable chunks.
type Uploader struct {
	config UploaderConfig
	logger zerolog.Logger
}

// NewUploader creates an upload client.
func NewUploader(config UploaderConfig) (*Uploader, error) {
	cfg := config.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("upload base URL is required")
	}
	return &Uploader{
		config: cfg,
		logger: logging.Default().With().Str("component", "uploader").Logger(),
	}, nil
}

type initRequestBody struct {
	Filename  string `json:"filename"`
	Platform  string `json:"platform"`
	Version   string `json:"version"`
	TotalSize int64  `json:"total_size"`
}

type initResponseBody struct {
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
	ChunkSize   int64  `json:"chunk_size"`
}

type progressResponseBody struct {
	UploadedChunks []int `json:"uploaded_chunks"`
}

type completeRequestBody struct {
	UploadID string `json:"upload_id"`
}

type completeResponseBody struct {
	URL string `json:"url"`
}

// Upload sends the file at path, resuming a previous attempt when a valid
// sidecar session exists. Any failure leaves the sidecar in place so the
// next call picks up where this one stopped.
func (u *Uploader) Upload(ctx context.Context, path, platform, version string, onProgress func(uploaded, total int64)) UploadResult {
	info, err := os.Stat(path)
	if err != nil {
		return UploadResult{Message: fmt.Sprintf("stat file: %v", err)}
	}
	if info.IsDir() {
		return UploadResult{Message: "source path must be a file"}
	}

	session, err := u.resumeOrInit(ctx, path, platform, version, info.Size())
	if err != nil {
		return UploadResult{Message: err.Error()}
	}

	file, err := os.Open(path)
	if err != nil {
		return UploadResult{Message: fmt.Sprintf("open file: %v", err)}
	}
	defer func() {
		_ = file.Close()
	}()

	if onProgress != nil {
		onProgress(session.UploadedBytes(), session.TotalSize)
	}

	for _, index := range session.MissingChunks() {
		if err := ctx.Err(); err != nil {
			return UploadResult{Message: fmt.Sprintf("upload interrupted: %v", err)}
		}

		chunk, err := readChunk(file, session, index)
		if err != nil {
			return UploadResult{Message: err.Error()}
		}
		if err := u.sendChunk(ctx, session.UploadID, index, session.Filename, chunk); err != nil {
			return UploadResult{Message: err.Error()}
		}

		session.MarkUploaded(index)
		if err := session.Save(); err != nil {
			return UploadResult{Message: err.Error()}
		}
		if onProgress != nil {
			onProgress(session.UploadedBytes(), session.TotalSize)
		}
	}

	resultURL, err := u.complete(ctx, session.UploadID)
	if err != nil {
		return UploadResult{Message: err.Error()}
	}

	if err := DeleteSession(path); err != nil {
		u.logger.Warn().Err(err).Str("path", path).Msg("failed to remove upload session")
	}

	u.logger.Info().
		Str("upload_id", session.UploadID).
		Str("filename", session.Filename).
		Int64("total_size", session.TotalSize).
		Msg("upload complete")

	return UploadResult{Success: true, URL: resultURL, Message: "upload complete"}
}

// resumeOrInit returns a session ready for the chunk loop: a reconciled
// existing one when the sidecar still matches the file, a fresh one from
// POST /init otherwise.
func (u *Uploader) resumeOrInit(ctx context.Context, path, platform, version string, totalSize int64) (*Session, error) {
	session, err := LoadSession(path)
	if err != nil {
		u.logger.Warn().Err(err).Str("path", path).Msg("discarding unreadable upload session")
		session = nil
	}

	if session != nil && !session.Matches(path, platform, version, totalSize) {
		// The file or build changed under the session; its chunks no longer
		// describe this content.
		u.logger.Info().Str("path", path).Msg("discarding stale upload session")
		session = nil
	}

	if session != nil {
		uploaded, err := u.fetchProgress(ctx, session.UploadID)
		if err != nil {
			u.logger.Info().Err(err).Str("upload_id", session.UploadID).Msg("server lost upload session, starting over")
			session = nil
		} else {
			session.SetUploaded(uploaded)
			return session, nil
		}
	}

	_ = DeleteSession(path)

	initialized, err := u.initSession(ctx, path, platform, version, totalSize)
	if err != nil {
		return nil, err
	}
	if err := initialized.Save(); err != nil {
		return nil, err
	}
	return initialized, nil
}

func (u *Uploader) initSession(ctx context.Context, path, platform, version string, totalSize int64) (*Session, error) {
	body, err := json.Marshal(initRequestBody{
		Filename:  filepath.Base(path),
		Platform:  platform,
		Version:   version,
		TotalSize: totalSize,
	})
	if err != nil {
		return nil, err
	}

	var decoded initResponseBody
	if err := u.doJSON(ctx, http.MethodPost, u.config.BaseURL+"/init", "application/json", bytes.NewReader(body), &decoded); err != nil {
		return nil, fmt.Errorf("init upload: %w", err)
	}
	if decoded.UploadID == "" || decoded.ChunkSize <= 0 || decoded.TotalChunks <= 0 {
		return nil, errors.New("init upload: malformed server response")
	}

	return &Session{
		UploadID:    decoded.UploadID,
		Filename:    filepath.Base(path),
		FilePath:    path,
		Platform:    platform,
		Version:     version,
		TotalSize:   totalSize,
		ChunkSize:   decoded.ChunkSize,
		TotalChunks: decoded.TotalChunks,
	}, nil
}

func (u *Uploader) fetchProgress(ctx context.Context, uploadID string) ([]int, error) {
	endpoint := u.config.BaseURL + "/progress?upload_id=" + url.QueryEscape(uploadID)

	var decoded progressResponseBody
	if err := u.doJSON(ctx, http.MethodGet, endpoint, "", nil, &decoded); err != nil {
		return nil, fmt.Errorf("fetch upload progress: %w", err)
	}
	return decoded.UploadedChunks, nil
}

func (u *Uploader) sendChunk(ctx context.Context, uploadID string, index int, filename string, chunk []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("upload_id", uploadID); err != nil {
		return err
	}
	if err := writer.WriteField("chunk_index", strconv.Itoa(index)); err != nil {
		return err
	}
	part, err := writer.CreateFormFile("chunk", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	if err := u.doJSON(ctx, http.MethodPost, u.config.BaseURL+"/chunk", writer.FormDataContentType(), &body, nil); err != nil {
		return fmt.Errorf("upload chunk %d: %w", index, err)
	}
	return nil
}

func (u *Uploader) complete(ctx context.Context, uploadID string) (string, error) {
	body, err := json.Marshal(completeRequestBody{UploadID: uploadID})
	if err != nil {
		return "", err
	}

	var decoded completeResponseBody
	if err := u.doJSON(ctx, http.MethodPost, u.config.BaseURL+"/complete", "application/json", bytes.NewReader(body), &decoded); err != nil {
		return "", fmt.Errorf("complete upload: %w", err)
	}
	return decoded.URL, nil
}

func (u *Uploader) doJSON(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, u.config.RequestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := u.config.HTTPClient.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64*1024))
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %d", response.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode server response: %w", err)
	}
	return nil
}

func readChunk(file *os.File, session *Session, index int) ([]byte, error) {
	length := session.chunkLength(index)
	if length <= 0 {
		return nil, fmt.Errorf("chunk %d out of range", index)
	}

	buffer := make([]byte, length)
	offset := int64(index) * session.ChunkSize
	n, err := file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", index, offset, err)
	}
	// A short read means the file shrank under the session; uploading a
	// zero-padded chunk would corrupt the assembled artifact.
	if int64(n) != length {
		return nil, fmt.Errorf("read chunk %d at offset %d: file truncated, got %d of %d bytes", index, offset, n, length)
	}
	return buffer, nil
}
