package systemd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Socket names expected in FileDescriptorName= of livestat.socket.
const (
	SocketHTTP    = "http"
	SocketMetrics = "metrics"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	HTTP      net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns nil listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	// Named listeners require systemd 227+; without LISTEN_FDS the map is empty
	byName, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if len(byName) == 0 {
		return listeners, nil
	}

	listeners.Activated = true
	listeners.HTTP = first(byName[SocketHTTP])
	listeners.Metrics = first(byName[SocketMetrics])

	return listeners, nil
}

func first(lns []net.Listener) net.Listener {
	if len(lns) == 0 {
		return nil
	}
	return lns[0]
}

// NotifyReady sends READY=1 notification to systemd.
// Not running under systemd is not an error.
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd.
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// RunWatchdog pings the systemd watchdog at half its interval until ctx is
// done. It returns immediately when the watchdog is not enabled.
func RunWatchdog(ctx context.Context, logger zerolog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	if interval <= 0 {
		return nil
	}

	logger.Info().Dur("interval", interval).Msg("Systemd watchdog enabled")

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn().Err(err).Msg("Failed to send watchdog notification")
			}
		}
	}
}
