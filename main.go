package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"lantransfer/config"
	"lantransfer/discovery"
	"lantransfer/logging"
	"lantransfer/transfer"
)

func main() {
	identity, identityPath, err := config.LoadOrCreateIdentity()
	if err != nil {
		log.Fatalf("startup failed while loading identity: %v", err)
	}

	dataDir := filepath.Dir(identityPath)
	settings, err := config.LoadSettings(dataDir)
	if err != nil {
		log.Fatalf("startup failed while loading settings: %v", err)
	}

	if err := logging.Init(settings.LogPath); err != nil {
		log.Fatalf("startup failed while opening log file: %v", err)
	}

	// The headless binary announces the device itself; a host application
	// would pass its own account identity here.
	userName := identity.DeviceName
	if name := os.Getenv("LANTRANSFER_USER_NAME"); name != "" {
		userName = name
	}

	manager, err := transfer.NewManager(transfer.ManagerConfig{
		UserID:     identity.DeviceID,
		UserName:   userName,
		DeviceName: identity.DeviceName,
		Port:       settings.TransferPort,
		SaveDir:    settings.SaveDir,
		Scope:      discovery.ScopeAll,
		Callbacks: transfer.Callbacks{
			DeviceAdded: func(device discovery.DeviceInfo) {
				log.Printf("peer available name=%q id=%s addr=%s:%d", device.Name, device.UserID, device.IP, device.Port)
			},
			DeviceRemoved: func(userID, ip, name string) {
				log.Printf("peer gone name=%q id=%s ip=%s", name, userID, ip)
			},
			TransferRequest: func(request transfer.TransferRequest) {
				log.Printf("inbound transfer request id=%s file=%q size=%d from=%q", request.RequestID, request.Filename, request.FileSize, request.SenderName)
			},
			FileReceived: func(request transfer.TransferRequest, path string, size int64) {
				log.Printf("file received id=%s path=%q size=%d", request.RequestID, path, size)
			},
			TransferCompleted: func(result transfer.SendResult) {
				log.Printf("send finished success=%t file=%q reason=%s msg=%q", result.Success, result.Filename, result.Reason, result.Message)
			},
		},
	})
	if err != nil {
		log.Fatalf("startup failed while wiring the transfer manager: %v", err)
	}
	if err := manager.Start(); err != nil {
		log.Fatalf("startup failed while starting the transfer manager: %v", err)
	}
	defer manager.Stop()

	fmt.Printf("Device ID:       %s\n", identity.DeviceID)
	fmt.Printf("Device Name:     %s\n", identity.DeviceName)
	fmt.Printf("Listening Port:  %d\n", manager.Port())
	fmt.Printf("Save Directory:  %s\n", settings.SaveDir)
	fmt.Printf("Upload Endpoint: %s\n", settings.UploadBaseURL)
	fmt.Printf("Identity File:   %s\n", identityPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}
