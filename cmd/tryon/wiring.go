package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/iani/tryon/pkg/camera"
	"github.com/iani/tryon/pkg/channel"
	"github.com/iani/tryon/pkg/config"
	"github.com/iani/tryon/pkg/detector"
	"github.com/iani/tryon/pkg/detector/dlib"
	"github.com/iani/tryon/pkg/detector/remote"
	"github.com/iani/tryon/pkg/logging"
	"github.com/iani/tryon/pkg/settings"
	"github.com/iani/tryon/pkg/tracking"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openStore opens the configured settings repository. The returned closer
// releases it.
func openStore(ctx context.Context, cfg *config.Config) (*settings.Service, io.Closer, error) {
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		repo, err := settings.OpenPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, nil, err
		}
		logging.Debug("Using postgres settings store")
		return settings.NewService(repo), repo, nil
	default:
		repo, err := settings.NewFileRepository(cfg.Storage.DataDir, cfg.Storage.EncryptionEnabled)
		if err != nil {
			return nil, nil, err
		}
		logging.Debugf("Using file settings store in %s", cfg.Storage.DataDir)
		return settings.NewService(repo), closerFunc(func() error { return nil }), nil
	}
}

// openBus opens the configured calibration message bus. The returned
// closer ends its subscriptions and releases the connection.
func openBus(ctx context.Context, cfg *config.Config) (channel.Channel, io.Closer, error) {
	switch cfg.Channel.Backend {
	case config.ChannelRedis:
		client, err := channel.ConnectRedis(ctx, cfg.Channel.RedisAddr, cfg.Channel.RedisPassword, cfg.Channel.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		logging.Debugf("Using redis message bus at %s", cfg.Channel.RedisAddr)
		bus := channel.NewRedis(client)
		return bus, closerFunc(func() error { return errors.Join(bus.Close(), client.Close()) }), nil
	default:
		bus := channel.NewMemory()
		return bus, bus, nil
	}
}

func newDetector(cfg *config.Config) detector.Detector {
	if cfg.Detector.Backend == config.DetectorDlib {
		return dlib.New(cfg.Detector.ModelPath)
	}
	return remote.New(cfg.Detector.URL)
}

// newSource returns the replay source when a replay directory is
// configured, the webcam otherwise.
func newSource(cfg *config.Config) camera.VideoSource {
	if cfg.Camera.ReplayDir != "" {
		return camera.NewReplaySource(cfg.Camera.ReplayDir)
	}
	return camera.NewWebcam(cfg.Camera.Device, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
}

func newTracker(cfg *config.Config) (*tracking.Session, error) {
	table, err := cfg.LandmarkTable()
	if err != nil {
		return nil, err
	}
	return tracking.New(newDetector(cfg),
		tracking.WithOptions(cfg.DetectorOptions()),
		tracking.WithFPS(cfg.Camera.FPS),
		tracking.WithTable(table),
		tracking.WithStrictFrames(cfg.Tracking.StrictFrames),
	), nil
}

// socketURL builds the preview websocket URL of a calibration session on
// the admin server at base. base may be a listen address like ":3000".
func socketURL(base, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id required")
	}
	if !strings.Contains(base, "://") {
		host, port, err := net.SplitHostPort(base)
		if err != nil {
			return "", fmt.Errorf("invalid server address %q: %w", base, err)
		}
		if host == "" {
			host = "127.0.0.1"
		}
		base = "http://" + net.JoinHostPort(host, port)
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/calibration/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}
