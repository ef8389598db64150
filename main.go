// meetpoint is a terminal client for realtime location-sharing sessions.
// It joins a session over websocket, publishes throttled position updates
// and mirrors every participant's movements as log output.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"

	"meetpoint/client"
	"meetpoint/data"
	"meetpoint/mapview"
	"meetpoint/notify"
	"meetpoint/socket"
	"meetpoint/track"
)

var (
	server  = flag.String("server", "wss://localhost:8443", "broker base url")
	session = flag.String("session", "", "session id to join (required)")
	name    = flag.String("name", "", "display name")
	dataDir = flag.String("data", defaultDataDir(), "directory for local state")
	expires = flag.Duration("expires", 0, "time until the session expires (0 for none)")
	lat     = flag.Float64("lat", 52.5200, "simulated position latitude")
	lon     = flag.Float64("lon", 13.4050, "simulated position longitude")
	acc     = flag.Float64("accuracy", 25, "simulated position accuracy in meters")
	debug   = flag.Bool("debug", false, "verbose logging")
	qr      = flag.Bool("qr", true, "print a QR code for the share link")
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".meetpoint")
}

// logRenderer prints map instructions instead of drawing them. The interface
// is the contract; a real tile view plugs in the same way.
type logRenderer struct {
	log *zap.SugaredLogger
}

func (r *logRenderer) UpsertMarker(m mapview.Marker) {
	r.log.Infow("marker", "id", m.ID, "label", m.Label, "lat", m.Lat, "lon", m.Lon,
		"accuracy", m.AccuracyText, "color", m.Color, "group", m.GroupSize)
}
func (r *logRenderer) RemoveMarker(id string) { r.log.Infow("marker removed", "id", id) }
func (r *logRenderer) UpsertAccuracy(id string, lat, lon, radius float64, color string) {
	r.log.Debugw("accuracy", "id", id, "radius", radius)
}
func (r *logRenderer) RemoveAccuracy(id string) {}
func (r *logRenderer) Pulse(id string, lat, lon, radius float64, color string) {
	r.log.Debugw("pulse", "id", id)
}
func (r *logRenderer) RemovePulse(id string) {}
func (r *logRenderer) SetView(lat, lon float64, zoom int) {
	r.log.Infow("view", "lat", lat, "lon", lon, "zoom", zoom)
}
func (r *logRenderer) FitBounds(b mapview.Bounds) {
	r.log.Infow("fit", "minLat", b.MinLat, "maxLat", b.MaxLat, "minLon", b.MinLon, "maxLon", b.MaxLon)
}

// stdoutSink prints notifications the way the page chrome would toast them.
type stdoutSink struct{}

func (stdoutSink) Show(n notify.Notice) {
	fmt.Printf("[%s] %s\n", n.Severity, n.Message)
}

func shareLink(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/s/" + sessionID
	return u.String(), nil
}

func socketURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/ws/location/" + sessionID + "/"
	return u.String(), nil
}

func main() {
	flag.Parse()
	if *session == "" {
		fmt.Fprintln(os.Stderr, "usage: meetpoint -session <id> [-name <name>]")
		os.Exit(1)
	}

	logCfg := zap.NewDevelopmentConfig()
	if !*debug {
		logCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	wsURL, err := socketURL(*server, *session)
	if err != nil {
		log.Fatalw("bad server url", "url", *server, "error", err)
	}

	if *qr {
		if link, err := shareLink(*server, *session); err == nil {
			fmt.Println("share this session:", link)
			qrterminal.GenerateWithConfig(link, qrterminal.Config{
				Level:      qrterminal.L,
				Writer:     os.Stdout,
				HalfBlocks: true,
			})
		}
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalw("data dir", "path", *dataDir, "error", err)
	}
	store, err := data.Open(filepath.Join(*dataDir, "state.db"))
	if err != nil {
		log.Fatalw("open state store", "error", err)
	}
	defer store.Close()

	participantID := uuid.New().String()
	clock := clockwork.NewRealClock()

	var expiresAt time.Time
	if *expires > 0 {
		expiresAt = clock.Now().Add(*expires)
	}

	c := client.New(client.Config{
		SessionID:     *session,
		ParticipantID: participantID,
		Name:          *name,
		ExpiresAt:     expiresAt,
	}, client.Deps{
		Sensor: &track.StaticSensor{
			Lat:      *lat,
			Lon:      *lon,
			Accuracy: *acc,
			Interval: 5 * time.Second,
		},
		Renderer: &logRenderer{log: log.Named("map")},
		Sink:     stdoutSink{},
		Bridge:   data.NewBridge(store, *session, participantID, clock),
		Clock:    clock,
		Log:      log,
	})
	c.BindSocket(socket.New(socket.Config{URL: wsURL}, clock, log.Named("socket")))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Infow("shutting down")
		cancel()
	}()

	c.StartSharing(ctx)

	if err := c.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalw("client stopped", "error", err)
	}
}
