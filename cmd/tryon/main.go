package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/iani/tryon/pkg/calibration"
	"github.com/iani/tryon/pkg/config"
	"github.com/iani/tryon/pkg/landmark"
	"github.com/iani/tryon/pkg/logging"
	"github.com/iani/tryon/pkg/pose"
	"github.com/iani/tryon/pkg/server"
	"github.com/iani/tryon/pkg/settings"
)

const version = "0.1.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
)

var commandOrder = []string{"track", "calibrate", "preview", "settings", "serve", "download-models", "config", "version", "help"}

func init() {
	commands = map[string]*Command{
		"track": {
			Name:        "track",
			Description: "Track the camera and print accessory placements as JSON lines",
			Usage:       "tryon track [product-id]",
			Run:         cmdTrack,
		},
		"calibrate": {
			Name:        "calibrate",
			Description: "Calibrate a product's accessory placement with a live preview",
			Usage:       "tryon calibrate [-type glasses|hat|earrings|necklace] <product-id> <model-url>",
			Run:         cmdCalibrate,
		},
		"preview": {
			Name:        "preview",
			Description: "Join a calibration session launched on the admin server",
			Usage:       "tryon preview [-server <addr>] [-timeout 15s] <session-id>",
			Run:         cmdPreview,
		},
		"settings": {
			Name:        "settings",
			Description: "Show or change stored try-on settings",
			Usage:       "tryon settings list | get <product-id> | set <product-id> <type|off> [offset-y] [scale] | reset <product-id>",
			Run:         cmdSettings,
		},
		"serve": {
			Name:        "serve",
			Description: "Run the admin HTTP server",
			Usage:       "tryon serve",
			Run:         cmdServe,
		},
		"download-models": {
			Name:        "download-models",
			Description: "Download the dlib models for the fallback detector",
			Usage:       "tryon download-models [model-dir]",
			Run:         cmdDownloadModels,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "tryon config",
			Run:         cmdConfig,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "tryon version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "tryon help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	// Parse global flags
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to an env file with overrides")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	args := flag.Args()

	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.ExpandPaths()

	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	if err := logging.Init(logLevel, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	if err := logging.SetFormat(cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	logging.Debugf("tryon v%s starting", version)
	logging.Debugf("Config loaded, storage: %s, channel: %s", cfg.Storage.Backend, cfg.Channel.Backend)

	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage()
		os.Exit(1)
	}

	if needsRuntime(cmdName) {
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create directories: %v\n", err)
			os.Exit(1)
		}
	}

	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// needsRuntime reports whether a command touches the camera, the store or
// the network and so needs a valid configuration.
func needsRuntime(name string) bool {
	switch name {
	case "config", "version", "help":
		return false
	}
	return true
}

func printUsage() {
	fmt.Println("tryon - Virtual accessory try-on tracking and calibration")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Usage: tryon [options] <command> [arguments]")
	fmt.Println("\nOptions:")
	fmt.Println("  -config <file>   Path to configuration file")
	fmt.Println("  -env <file>      Path to env overrides (default .env)")
	fmt.Println("  -debug           Enable debug logging")
	fmt.Println("\nCommands:")
	for _, name := range commandOrder {
		cmd := commands[name]
		fmt.Printf("  %-16s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Println("\nExamples:")
	fmt.Println("  tryon track sku-42                         # Place sku-42's accessory on the live face")
	fmt.Println("  tryon calibrate -type hat sku-42 hat.glb   # Calibrate a new hat")
	fmt.Println("  tryon -debug serve                         # Run the admin server with debug output")
	fmt.Println("\nRun 'tryon help <command>' for more information on a command.")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Command implementations

func cmdTrack(args []string) error {
	ctx, stop := signalContext()
	defer stop()

	calib := settings.CalibrationSettings{
		TryOnEnabled: true,
		TryOnType:    settings.TypePtr(settings.Glasses),
		TryOnOffsetY: settings.NeutralOffsetY,
		TryOnScale:   settings.NeutralScale,
	}
	if len(args) > 0 {
		svc, closer, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open settings store: %w", err)
		}
		stored, err := svc.GetOrDefault(ctx, args[0])
		closer.Close()
		if err != nil {
			return err
		}
		if !stored.TryOnEnabled || stored.TryOnType == nil {
			return fmt.Errorf("try-on is not enabled for product %s", args[0])
		}
		calib = stored
	}

	composer := cfg.Composer()
	sink := pose.NewJSONSink(os.Stdout)
	var smoother *pose.Smoother
	if cfg.Pose.SmoothingAlpha > 0 {
		smoother = pose.NewSmoother(cfg.Pose.SmoothingAlpha)
	}

	tracker, err := newTracker(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracker.Destroy(); err != nil {
			logging.WithError(err).Warn("Failed to release tracking session")
		}
	}()

	tracker.OnFaceDetected(func(face landmark.StructuredFace) {
		placements := composer.Compose(face, calib)
		if smoother != nil {
			placements = smoother.Smooth(placements)
		}
		if err := sink.Place(placements); err != nil {
			logging.WithError(err).Debug("Sink rejected placements")
		}
	})
	tracker.OnFaceLost(func() {
		if smoother != nil {
			smoother.Reset()
		}
		if err := sink.Clear(); err != nil {
			logging.WithError(err).Debug("Sink rejected clear")
		}
	})

	if err := tracker.StartTracking(ctx, newSource(cfg)); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Tracking %s, press Ctrl+C to stop\n", calib.Type())
	<-ctx.Done()
	return tracker.StopTracking()
}

func cmdSettings(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("subcommand required\nUsage: %s", commands["settings"].Usage)
	}

	ctx, stop := signalContext()
	defer stop()

	svc, closer, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open settings store: %w", err)
	}
	defer closer.Close()

	switch args[0] {
	case "list":
		ids, err := svc.List(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No products configured.")
			return nil
		}
		fmt.Println("Configured products:")
		for _, id := range ids {
			cs, err := svc.GetOrDefault(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("  - %-24s ", id)
			printSettings(cs)
		}
		fmt.Printf("\nTotal: %d product(s)\n", len(ids))
		return nil

	case "get":
		if len(args) < 2 {
			return errors.New("product id required")
		}
		cs, err := svc.GetOrDefault(ctx, args[1])
		if err != nil {
			return err
		}
		printSettings(cs)
		return nil

	case "set":
		if len(args) < 3 {
			return errors.New("product id and type required")
		}
		cs, err := parseSettings(args[2:])
		if err != nil {
			return err
		}
		saved, err := svc.Save(ctx, args[1], cs)
		if err != nil {
			return err
		}
		fmt.Print("Saved: ")
		printSettings(saved)
		return nil

	case "reset":
		if len(args) < 2 {
			return errors.New("product id required")
		}
		if err := svc.Reset(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Settings for '%s' have been reset.\n", args[1])
		return nil
	}

	return fmt.Errorf("unknown settings subcommand: %s", args[0])
}

// parseSettings reads "<type|off> [offset-y] [scale]".
func parseSettings(args []string) (settings.CalibrationSettings, error) {
	if args[0] == "off" {
		return settings.Neutral(), nil
	}

	t, err := settings.ParseTryOnType(args[0])
	if err != nil {
		return settings.CalibrationSettings{}, err
	}
	if t == nil {
		return settings.CalibrationSettings{}, settings.ErrTypeRequired
	}

	cs := settings.CalibrationSettings{
		TryOnEnabled: true,
		TryOnType:    t,
		TryOnOffsetY: settings.NeutralOffsetY,
		TryOnScale:   settings.NeutralScale,
	}
	if len(args) > 1 {
		if cs.TryOnOffsetY, err = strconv.ParseFloat(args[1], 64); err != nil {
			return settings.CalibrationSettings{}, fmt.Errorf("invalid offset %q", args[1])
		}
	}
	if len(args) > 2 {
		if cs.TryOnScale, err = strconv.ParseFloat(args[2], 64); err != nil {
			return settings.CalibrationSettings{}, fmt.Errorf("invalid scale %q", args[2])
		}
	}
	return cs, nil
}

func printSettings(cs settings.CalibrationSettings) {
	if !cs.TryOnEnabled {
		fmt.Println("disabled")
		return
	}
	fmt.Printf("%s, offsetY %.0f, scale %.2f\n", cs.Type(), cs.TryOnOffsetY, cs.TryOnScale)
}

func cmdServe(args []string) error {
	ctx, stop := signalContext()
	defer stop()

	svc, storeCloser, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open settings store: %w", err)
	}
	defer storeCloser.Close()

	bus, busCloser, err := openBus(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open message bus: %w", err)
	}
	defer busCloser.Close()

	srv, err := server.New(
		server.WithSettings(svc),
		server.WithController(calibration.NewController(svc, bus)),
		server.WithBus(bus),
		server.WithAddr(cfg.Server.Addr),
		server.WithRequestTimeout(cfg.Server.RequestTimeout),
	)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down admin server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func cmdConfig(args []string) error {
	logging.Debug("Showing configuration")

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()
	fmt.Println("[Camera]")
	fmt.Printf("  Device:          %s\n", cfg.Camera.Device)
	fmt.Printf("  Resolution:      %dx%d @ %d FPS\n", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	if cfg.Camera.ReplayDir != "" {
		fmt.Printf("  Replay Dir:      %s\n", cfg.Camera.ReplayDir)
	}
	fmt.Println()
	fmt.Println("[Detector]")
	fmt.Printf("  Backend:         %s\n", cfg.Detector.Backend)
	if cfg.Detector.Backend == config.DetectorDlib {
		fmt.Printf("  Model Path:      %s\n", cfg.Detector.ModelPath)
	} else {
		fmt.Printf("  URL:             %s\n", cfg.Detector.URL)
		fmt.Printf("  Assets:          %s\n", cfg.Detector.AssetBaseURL)
	}
	fmt.Printf("  Max Faces:       %d\n", cfg.Detector.MaxNumFaces)
	fmt.Printf("  Refine:          %t\n", cfg.Detector.RefineLandmarks)
	fmt.Printf("  Confidence:      %.2f detection, %.2f tracking\n", cfg.Detector.MinDetectionConfidence, cfg.Detector.MinTrackingConfidence)
	fmt.Printf("  Load Timeout:    %s\n", cfg.Detector.LoadTimeout)
	fmt.Println()
	fmt.Println("[Tracking]")
	fmt.Printf("  Strict Frames:   %t\n", cfg.Tracking.StrictFrames)
	fmt.Printf("  Landmark Table:  %s\n", cfg.Tracking.LandmarkTable)
	fmt.Println()
	fmt.Println("[Pose]")
	fmt.Printf("  Eye Distance:    %.3f\n", cfg.Pose.ReferenceEyeDistance)
	for _, t := range settings.Types {
		fmt.Printf("  Base Scale:      %-9s %.2f\n", t, cfg.Pose.BaseScale[t])
	}
	fmt.Printf("  Smoothing:       %.2f\n", cfg.Pose.SmoothingAlpha)
	fmt.Println()
	fmt.Println("[Storage]")
	fmt.Printf("  Backend:         %s\n", cfg.Storage.Backend)
	if cfg.Storage.Backend == config.StoragePostgres {
		fmt.Printf("  DSN:             %s\n", redact(cfg.Storage.DSN))
	} else {
		fmt.Printf("  Data Dir:        %s\n", cfg.Storage.DataDir)
		fmt.Printf("  Encryption:      %t\n", cfg.Storage.EncryptionEnabled)
	}
	fmt.Println()
	fmt.Println("[Channel]")
	fmt.Printf("  Backend:         %s\n", cfg.Channel.Backend)
	if cfg.Channel.Backend == config.ChannelRedis {
		fmt.Printf("  Redis:           %s db %d\n", cfg.Channel.RedisAddr, cfg.Channel.RedisDB)
	}
	fmt.Println()
	fmt.Println("[Server]")
	fmt.Printf("  Address:         %s\n", cfg.Server.Addr)
	fmt.Printf("  Request Timeout: %s\n", cfg.Server.RequestTimeout)
	fmt.Println()
	fmt.Println("[Logging]")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  File:            %s\n", cfg.Logging.File)
	fmt.Printf("  Format:          %s\n", cfg.Logging.Format)

	return nil
}

// redact hides everything of a DSN but its scheme.
func redact(dsn string) string {
	if dsn == "" {
		return ""
	}
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "***"
	}
	return "***"
}

func cmdVersion(args []string) error {
	fmt.Printf("tryon v%s\n", version)
	fmt.Println("Virtual accessory try-on tracking and calibration")
	fmt.Println()
	fmt.Println("Build Information:")
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmdName)
	}

	fmt.Printf("Command: %s\n", cmd.Name)
	fmt.Printf("Description: %s\n", cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	switch cmdName {
	case "track":
		fmt.Println("\nWithout a product the accessory is placed as glasses at neutral")
		fmt.Println("offset and scale. Each frame is written to stdout as one JSON object.")
	case "calibrate", "preview":
		fmt.Println()
		printPromptHelp(os.Stdout)
		fmt.Println("\nPlacements are written to stdout as JSON lines, prompts to stderr.")
	case "settings":
		fmt.Println("\nOffset is a percentage of the face height (-50..50, negative moves up).")
		fmt.Println("Scale multiplies the base size (0.5..2). 'set <id> off' disables try-on.")
	case "config":
		fmt.Println("\nConfiguration Locations:")
		fmt.Println("  System: /etc/tryon/tryon.yaml")
		fmt.Println("  User:   ~/.config/tryon/tryon.yaml")
		fmt.Println("\nUse -config flag to specify a custom config file.")
		fmt.Println("TRYON_* variables and the -env file override file values.")
	}

	return nil
}
