package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iani/tryon/pkg/calibration"
	"github.com/iani/tryon/pkg/channel"
	"github.com/iani/tryon/pkg/logging"
	"github.com/iani/tryon/pkg/pose"
	"github.com/iani/tryon/pkg/settings"
)

// controls is what the interactive prompt drives.
type controls interface {
	Params() settings.CalibrationSettings
	SetOffsetY(v float64) error
	SetScale(v float64) error
	NudgeOffsetY(steps int) (float64, error)
	NudgeScale(steps int) (float64, error)
	Save(ctx context.Context) (settings.CalibrationSettings, error)
}

const promptHelp = `Adjust the accessory, one command per line:
  u [n]      move up n steps (1%% of face height each)
  d [n]      move down n steps
  + [n]      grow n steps (0.05 each)
  - [n]      shrink n steps
  o <value>  set vertical offset (%g..%g)
  x <value>  set scale (%g..%g)
  p          print current values
  s          save
  q          quit
`

func printPromptHelp(w io.Writer) {
	fmt.Fprintf(w, promptHelp, settings.MinOffsetY, settings.MaxOffsetY, settings.MinScale, settings.MaxScale)
}

// interact reads commands from r until q, EOF or ctx is done. Errors of
// single commands are reported to w and do not end the loop.
func interact(ctx context.Context, c controls, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	printPromptHelp(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runControl(ctx, c, line, w)
			if err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// runControl executes one prompt command.
func runControl(ctx context.Context, c controls, line string, w io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "u", "d":
		steps, err := stepCount(fields)
		if err != nil {
			return false, err
		}
		if fields[0] == "u" {
			steps = -steps
		}
		v, err := c.NudgeOffsetY(steps)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w, "offsetY %.0f\n", v)
	case "+", "-":
		steps, err := stepCount(fields)
		if err != nil {
			return false, err
		}
		if fields[0] == "-" {
			steps = -steps
		}
		v, err := c.NudgeScale(steps)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w, "scale %.2f\n", v)
	case "o", "x":
		if len(fields) < 2 {
			return false, fmt.Errorf("value required")
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return false, fmt.Errorf("invalid value %q", fields[1])
		}
		if fields[0] == "o" {
			err = c.SetOffsetY(v)
		} else {
			err = c.SetScale(v)
		}
		if err != nil {
			return false, err
		}
		printParams(w, c.Params())
	case "p":
		printParams(w, c.Params())
	case "s":
		cs, err := c.Save(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprint(w, "saved: ")
		printParams(w, cs)
	case "q":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
	return false, nil
}

func stepCount(fields []string) (int, error) {
	if len(fields) < 2 {
		return 1, nil
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid step count %q", fields[1])
	}
	return n, nil
}

func printParams(w io.Writer, cs settings.CalibrationSettings) {
	fmt.Fprintf(w, "type %s, offsetY %.0f, scale %.2f\n", cs.Type(), cs.TryOnOffsetY, cs.TryOnScale)
}

// runPreview tracks the camera with a preview bound to hs on ch and hands
// the prompt to the operator until they quit.
func runPreview(ctx context.Context, hs channel.Handshake, ch channel.Channel) error {
	tracker, err := newTracker(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracker.Destroy(); err != nil {
			logging.WithError(err).Warn("Failed to release tracking session")
		}
	}()

	p := calibration.NewPreview(hs, ch, tracker, cfg.Composer(), pose.NewJSONSink(os.Stdout))
	if cfg.Pose.SmoothingAlpha > 0 {
		p.SetSmoother(pose.NewSmoother(cfg.Pose.SmoothingAlpha))
	}

	if err := p.Start(ctx, newSource(cfg)); err != nil {
		return fmt.Errorf("failed to start preview: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close preview")
		}
	}()

	fmt.Fprintf(os.Stderr, "Calibrating %s as %s (session %s)\n", hs.ProductID, hs.Settings().Type(), hs.SessionID)
	return interact(ctx, p, os.Stdin, os.Stderr)
}

func cmdCalibrate(args []string) error {
	fs := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	typeName := fs.String("type", "", "Try-on type to calibrate as when the product has none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("product id and model url required\nUsage: %s", commands["calibrate"].Usage)
	}
	productID, modelURL := fs.Arg(0), fs.Arg(1)

	tryOnType, err := settings.ParseTryOnType(*typeName)
	if err != nil {
		return err
	}

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

	ctrl := calibration.NewController(svc, bus)
	defer ctrl.Close()

	current, err := svc.GetOrDefault(ctx, productID)
	if err != nil {
		return err
	}
	if tryOnType != nil {
		current.TryOnEnabled = true
		current.TryOnType = tryOnType
	}

	l, err := ctrl.LaunchWith(ctx, productID, modelURL, current)
	if err != nil {
		return err
	}
	go reportOutcomes(l)

	return runPreview(ctx, l.Handshake(), bus)
}

func reportOutcomes(l *calibration.Launch) {
	for o := range l.Results() {
		if o.Err != nil {
			var perr *calibration.PersistError
			if errors.As(o.Err, &perr) {
				fmt.Fprintf(os.Stderr, "[%s] kept locally, not stored: %v\n", o.Event, perr.Err)
				continue
			}
			fmt.Fprintf(os.Stderr, "[%s] %v\n", o.Event, o.Err)
			continue
		}
		logging.Component("calibration").WithField("event", o.Event).Debug("Calibration event")
	}
}

func cmdPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	server := fs.String("server", "", "Admin server address (default: configured listen address)")
	timeout := fs.Duration("timeout", 15*time.Second, "How long to wait for the handshake")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("session id required\nUsage: %s", commands["preview"].Usage)
	}
	sessionID := fs.Arg(0)

	base := *server
	if base == "" {
		base = cfg.Server.Addr
	}
	target, err := socketURL(base, sessionID)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	ws, err := channel.DialWebSocket(ctx, target, sessionID)
	if err != nil {
		return err
	}
	defer ws.Close()

	hctx, cancel := context.WithTimeout(ctx, *timeout)
	hs, err := calibration.AwaitHandshake(hctx, ws, sessionID)
	cancel()
	if err != nil {
		return fmt.Errorf("no handshake from %s: %w", target, err)
	}

	return runPreview(ctx, hs, ws)
}
