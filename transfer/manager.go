package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"lantransfer/discovery"
	"lantransfer/events"
	"lantransfer/logging"
)

// Callbacks are the host application's view of transfer activity. Every
// callback is delivered through the event bridge, so handlers run on the
// bridge's drain goroutine and may touch UI state directly.
type Callbacks struct {
	DeviceAdded     func(device discovery.DeviceInfo)
	DeviceRemoved   func(userID, ip, name string)
	TransferRequest func(request TransferRequest)
	ReceiveProgress func(request TransferRequest, received, total int64)
	FileReceived    func(request TransferRequest, path string, size int64)
	SendProgress    func(requestID, filename string, sent, total int64)
	// TransferCompleted fires once per outbound SendFile, success or not.
	TransferCompleted func(result SendResult)
}

// ManagerConfig assembles the whole transfer subsystem.
type ManagerConfig struct {
	// Identity of the local user, published over mDNS.
	UserID     string
	UserName   string
	AvatarURL  string
	DeviceName string
	GroupID    string

	// Port for the receiver service. Zero picks an ephemeral port.
	Port int
	// SaveDir is where accepted files land.
	SaveDir string
	// LocalIP overrides automatic LAN address detection, mainly for tests.
	LocalIP string
	// Scope is the initial discoverability scope.
	Scope discovery.Scope

	Callbacks Callbacks

	// Bridge delivers callbacks. When nil the manager owns a private one
	// and closes it on Stop.
	Bridge *events.Bridge
}

// Manager composes the announcer, browser, receiver server and sending
// client behind one lifecycle.
type Manager struct {
	config ManagerConfig
	logger zerolog.Logger

	bridge     *events.Bridge
	ownsBridge bool

	server    *Server
	client    *Client
	announcer *discovery.Announcer
	browser   *discovery.Browser

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewManager wires the subsystem but does not start anything.
func NewManager(config ManagerConfig) (*Manager, error) {
	if strings.TrimSpace(config.UserID) == "" {
		return nil, errors.New("user ID is required")
	}
	if strings.TrimSpace(config.SaveDir) == "" {
		return nil, errors.New("save directory is required")
	}
	if config.LocalIP == "" {
		config.LocalIP = discovery.LocalIP()
	}
	if config.LocalIP == "" {
		return nil, errors.New("no LAN address available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	manager := &Manager{
		config: config,
		logger: logging.Default().With().Str("component", "transfer_manager").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	if config.Bridge != nil {
		manager.bridge = config.Bridge
	} else {
		manager.bridge = events.NewBridge()
		manager.ownsBridge = true
	}

	server, err := NewServer(ServerConfig{
		Port:              config.Port,
		SaveDir:           config.SaveDir,
		OnTransferRequest: manager.onTransferRequest,
		OnReceiveProgress: manager.onReceiveProgress,
		OnFileReceived:    manager.onFileReceived,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	manager.server = server

	return manager, nil
}

// Start brings up the receiver service, announces presence and begins
// browsing for peers. The announced port is the server's bound port, so an
// ephemeral Port still advertises correctly.
func (m *Manager) Start() error {
	var startErr error
	m.startOnce.Do(func() {
		if err := m.server.Start(); err != nil {
			startErr = err
			return
		}
		port := m.server.Port()

		m.client = NewClient(ClientConfig{
			LocalName:      m.config.UserName,
			LocalID:        m.config.UserID,
			LocalPort:      port,
			OnSendProgress: m.onSendProgress,
		})

		discoveryConfig := discovery.Config{
			UserID:        m.config.UserID,
			UserName:      m.config.UserName,
			AvatarURL:     m.config.AvatarURL,
			DeviceName:    m.config.DeviceName,
			GroupID:       m.config.GroupID,
			LocalIP:       m.config.LocalIP,
			Port:          port,
			DiscoverScope: m.config.Scope,
			OnAdded:       m.onDeviceAdded,
			OnRemoved:     m.onDeviceRemoved,
		}

		announcer, err := discovery.NewAnnouncer(discoveryConfig)
		if err != nil {
			startErr = fmt.Errorf("create announcer: %w", err)
			_ = m.server.Stop()
			return
		}
		if err := announcer.Announce(m.config.Scope); err != nil {
			startErr = fmt.Errorf("announce presence: %w", err)
			_ = m.server.Stop()
			return
		}
		m.announcer = announcer

		browser, err := discovery.NewBrowser(discoveryConfig)
		if err != nil {
			startErr = fmt.Errorf("create browser: %w", err)
			announcer.Stop()
			_ = m.server.Stop()
			return
		}
		if err := browser.Start(); err != nil {
			startErr = fmt.Errorf("start browser: %w", err)
			announcer.Stop()
			_ = m.server.Stop()
			return
		}
		m.browser = browser

		m.logger.Info().
			Str("user_id", m.config.UserID).
			Str("local_ip", m.config.LocalIP).
			Int("port", port).
			Msg("transfer manager started")
	})
	return startErr
}

// Stop tears everything down in reverse order of Start and waits for
// in-flight sends to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		if m.browser != nil {
			m.browser.Stop()
		}
		if m.announcer != nil {
			m.announcer.Stop()
		}
		if err := m.server.Stop(); err != nil {
			m.logger.Error().Err(err).Msg("server stop failed")
		}
		m.wg.Wait()
		if m.ownsBridge {
			m.bridge.Close()
		}
		m.logger.Info().Msg("transfer manager stopped")
	})
}

// Port returns the receiver service's bound port.
func (m *Manager) Port() int {
	return m.server.Port()
}

// Devices returns the current peer snapshot.
func (m *Manager) Devices() []discovery.DeviceInfo {
	if m.browser == nil {
		return nil
	}
	return m.browser.Devices()
}

// SetScope changes discoverability and republishes the mDNS record.
func (m *Manager) SetScope(scope discovery.Scope) error {
	if m.announcer == nil {
		return errors.New("manager not started")
	}
	return m.announcer.Announce(scope)
}

// Accept approves a pending inbound request held by the local server.
func (m *Manager) Accept(requestID string) error {
	return m.server.Confirm(requestID, true)
}

// Reject declines a pending inbound request held by the local server.
func (m *Manager) Reject(requestID string) error {
	return m.server.Confirm(requestID, false)
}

// AcceptRemote relays an accept to another device's server, for setups where
// the confirming UI runs in a different process than the receiver.
func (m *Manager) AcceptRemote(ctx context.Context, ip string, port int, requestID string) ConfirmResult {
	return m.client.ConfirmTransfer(ctx, ip, port, requestID, true)
}

// RejectRemote relays a reject to another device's server.
func (m *Manager) RejectRemote(ctx context.Context, ip string, port int, requestID string) ConfirmResult {
	return m.client.ConfirmTransfer(ctx, ip, port, requestID, false)
}

// SendFile runs the full outbound flow in the background and reports the
// outcome through the TransferCompleted callback.
func (m *Manager) SendFile(device discovery.DeviceInfo, filePath string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		result := m.SendFileSync(m.ctx, device, filePath)
		m.dispatch(func() {
			if m.config.Callbacks.TransferCompleted != nil {
				m.config.Callbacks.TransferCompleted(result)
			}
		})
	}()
}

// SendFileSync runs request, confirm-wait and byte stream in order and
// returns the combined outcome.
func (m *Manager) SendFileSync(ctx context.Context, device discovery.DeviceInfo, filePath string) SendResult {
	if m.client == nil {
		return SendResult{Message: "manager not started", Reason: ReasonProtocol}
	}

	filename := filepath.Base(filePath)

	requested := m.client.SendTransferRequest(ctx, device.IP, device.Port, filePath)
	if !requested.Success {
		return SendResult{Message: requested.Message, Filename: filename, Reason: requested.Reason}
	}

	confirmed := m.client.WaitForConfirm(ctx, device.IP, device.Port, requested.RequestID)
	if !confirmed.Success {
		return SendResult{Message: confirmed.Message, Filename: filename, Reason: confirmed.Reason}
	}
	if !confirmed.Accepted {
		return SendResult{Message: confirmed.Message, Filename: filename, Reason: ReasonRejected}
	}

	return m.client.SendFile(ctx, device.IP, device.Port, requested.RequestID, filePath)
}

func (m *Manager) onDeviceAdded(device discovery.DeviceInfo) {
	m.dispatch(func() {
		if m.config.Callbacks.DeviceAdded != nil {
			m.config.Callbacks.DeviceAdded(device)
		}
	})
}

func (m *Manager) onDeviceRemoved(userID, ip, name string) {
	m.dispatch(func() {
		if m.config.Callbacks.DeviceRemoved != nil {
			m.config.Callbacks.DeviceRemoved(userID, ip, name)
		}
	})
}

func (m *Manager) onTransferRequest(request TransferRequest) {
	m.dispatch(func() {
		if m.config.Callbacks.TransferRequest != nil {
			m.config.Callbacks.TransferRequest(request)
		}
	})
}

func (m *Manager) onReceiveProgress(request TransferRequest, received, total int64) {
	m.dispatch(func() {
		if m.config.Callbacks.ReceiveProgress != nil {
			m.config.Callbacks.ReceiveProgress(request, received, total)
		}
	})
}

func (m *Manager) onFileReceived(request TransferRequest, path string, size int64) {
	m.dispatch(func() {
		if m.config.Callbacks.FileReceived != nil {
			m.config.Callbacks.FileReceived(request, path, size)
		}
	})
}

func (m *Manager) onSendProgress(requestID, filename string, sent, total int64) {
	m.dispatch(func() {
		if m.config.Callbacks.SendProgress != nil {
			m.config.Callbacks.SendProgress(requestID, filename, sent, total)
		}
	})
}

func (m *Manager) dispatch(handler func()) {
	m.bridge.Post(handler)
}
