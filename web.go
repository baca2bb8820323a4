package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/Oliver-Tinapple/Say-Gugnag/events"
	"github.com/Oliver-Tinapple/Say-Gugnag/store"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; connect-src 'self' ws: wss:")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("gugnag v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// fanout delivers a committed write to the local hub and, when an event
// mirror is configured, to every peer process via NATS.
type fanout struct {
	cfg    *Config
	hub    *Hub
	pub    events.Publisher
	origin string
}

func (f *fanout) Publish(key, value string) {
	f.hub.Publish(key, value)

	err := f.pub.Publish(context.Background(), events.TopicTextUpdated, events.TextUpdated{
		Origin: f.origin,
		Key:    key,
		Value:  value,
	})
	if err != nil {
		logf(f.cfg, "ERROR: Mirroring update for %q: %v", key, err)
	}
}

// processOrigin identifies this process in mirrored events so the bridge can
// skip messages it published itself.
func processOrigin() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}

// runMirrorBridge re-broadcasts updates committed by peer processes into the
// local hub. Own messages are skipped by origin.
func runMirrorBridge(cfg *Config, hub *Hub, ch <-chan []byte, origin string) {
	for payload := range ch {
		var evt events.TextUpdated
		if err := json.Unmarshal(payload, &evt); err != nil {
			logf(cfg, "ERROR: Decoding mirrored update: %v", err)
			continue
		}
		if evt.Origin == origin {
			continue
		}
		hub.Publish(evt.Key, evt.Value)
	}
}

func ServePage(ctx context.Context, cfg *Config) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: gugnag v%s", releaseVersion)

	st, err := store.NewPostgres(cfg.databaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	hub := newHub()
	go hub.run(ctx, cfg)

	origin := processOrigin()

	var pub events.Publisher = &events.NoopPublisher{}
	if cfg.natsURL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.natsURL)
		if err != nil {
			return fmt.Errorf("connect event mirror: %w", err)
		}
		defer natsPub.Close()
		pub = natsPub

		sub, err := events.NewNATSSubscriber(cfg.natsURL)
		if err != nil {
			return fmt.Errorf("connect event mirror: %w", err)
		}
		defer sub.Close()

		ch, cancel, err := sub.Subscribe(events.TopicTextUpdated)
		if err != nil {
			return fmt.Errorf("subscribe event mirror: %w", err)
		}
		defer cancel()

		go runMirrorBridge(cfg, hub, ch, origin)

		logf(cfg, "START: Mirroring edits via %s", cfg.natsURL)
	}

	bc := &fanout{cfg: cfg, hub: hub, pub: pub, origin: origin}

	mux := httprouter.New()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	errs := make(chan error, 64)

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	mux.GET(cfg.prefix+"/", serveHomePage(cfg, errs))

	mux.GET(cfg.prefix+"/assets/*asset", serveAssets(cfg, errs))

	mux.GET(cfg.prefix+"/favicons/*favicon", serveFavicons(cfg, errs))

	mux.GET(cfg.prefix+"/favicon.svg", serveFavicons(cfg, errs))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	mux.GET(cfg.prefix+"/qr", serveShareQR(cfg))

	mux.GET(cfg.prefix+"/ws", serveSync(cfg, hub))

	registerTextAPI(cfg, mux, st, bc)

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	go func() {
		var err error
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("%s | ERROR: %v\n", time.Now().Format(logDate), err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
