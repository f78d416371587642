package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cam-agent/internal/camera"
	"cam-agent/internal/control"
	"cam-agent/internal/event"
	"cam-agent/internal/gallery"
	"cam-agent/internal/gesture"
	"cam-agent/internal/netwatch"
	"cam-agent/internal/platform/config"
	"cam-agent/internal/platform/logger"
	"cam-agent/internal/platform/metrics"
	"cam-agent/internal/session"
	"cam-agent/internal/storage"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	mediaDir := config.GetEnv("MEDIA_DIR", "./media")
	driver := config.GetEnv("CAMERA_DRIVER", "libcamera")
	fps := config.GetEnvInt("TARGET_FPS", session.DefaultTargetFPS)

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	store, err := storage.NewMediaStore(mediaDir, log)
	if err != nil {
		log.Error("media store init failed", "dir", mediaDir, "error", err)
		os.Exit(1)
	}
	gal := gallery.NewCache(store, met, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mirror storage.Mirror
	if endpoint := config.GetEnv("MINIO_ENDPOINT", ""); endpoint != "" {
		m, err := storage.NewMinioMirror(ctx, endpoint,
			config.GetEnv("MINIO_ACCESS_KEY", ""),
			config.GetEnv("MINIO_SECRET_KEY", ""),
			config.GetEnv("MINIO_BUCKET", "cam-agent-stills"),
			config.GetEnvBool("MINIO_USE_SSL", false),
			log)
		if err != nil {
			log.Warn("still mirror disabled", "error", err)
		} else {
			mirror = m
		}
	}

	var dev camera.Device
	switch driver {
	case "synth":
		dev = camera.NewSynthDevice(
			config.GetEnvInt("CAMERA_WIDTH", 1280),
			config.GetEnvInt("CAMERA_HEIGHT", 720))
	default:
		dev = camera.NewLibcameraDevice(
			config.GetEnvInt("CAMERA_WIDTH", 1280),
			config.GetEnvInt("CAMERA_HEIGHT", 720),
			fps,
			config.GetEnvInt("CAMERA_QUALITY", 80),
			log)
	}

	cam := camera.NewHandle(dev, config.GetEnvMillis("LOCK_TIMEOUT_MS", camera.DefaultLockTimeout))
	if err := dev.Start(ctx); err != nil {
		// The agent stays up for gallery and media access; only the
		// camera operations degrade.
		log.Error("camera init failed, running degraded", "error", err)
		cam.MarkUnavailable()
	}

	hub := control.NewHub(met, log)

	notifiers := event.Multi{hub}
	var mq *event.MQTTNotifier
	if host := config.GetEnv("MQTT_HOST", ""); host != "" {
		mq, err = event.NewMQTTNotifier(host,
			config.GetEnvInt("MQTT_PORT", 1883),
			config.GetEnv("MQTT_USERNAME", ""),
			config.GetEnv("MQTT_PASSWORD", ""),
			config.GetEnv("MQTT_CLIENT_ID", "cam-agent"),
			config.GetEnv("MQTT_BASE_TOPIC", "cam-agent"),
			log)
		if err != nil {
			log.Warn("mqtt notifier disabled", "error", err)
		} else {
			notifiers = append(notifiers, mq)
		}
	}

	cfg := session.Config{
		TargetFPS:      fps,
		StreamMax:      config.GetEnvSeconds("STREAM_MAX_SECONDS", session.DefaultStreamMax),
		RecordInterval: config.GetEnvMillis("RECORD_INTERVAL_MS", session.DefaultRecordInterval),
		FlushEvery:     config.GetEnvInt("RECORD_FLUSH_EVERY", session.DefaultFlushEvery),
	}
	mgr := session.NewManager(cfg, cam, store, gal, mirror, notifiers, met, log)
	disp := control.NewDispatcher(mgr, log)
	hub.OnCommand(disp.Dispatch)

	link := netwatch.NewWifiLink(
		config.GetEnv("LINK_IFACE", "wlan0"),
		config.GetEnv("LINK_RECONNECT_CMD", ""),
		config.GetEnv("LINK_RESET_CMD", ""),
		log)
	ann := netwatch.NewMDNSAnnouncer(
		config.GetEnv("MDNS_NAME", "cam-agent"),
		config.GetEnvInt("PORT", 8080),
		[]string{"path=/"},
		log)
	if err := ann.EnsureAnnounced(); err != nil {
		log.Warn("mdns announce failed", "error", err)
	}
	sup := netwatch.NewSupervisor(link, ann, mgr.Busy,
		config.GetEnvSeconds("LINK_CHECK_SECONDS", netwatch.DefaultCheckInterval),
		config.GetEnvInt("LINK_RETRY_CEILING", netwatch.DefaultResetCeiling),
		met, log)

	h := control.NewHandler(mgr, gal, store, disp, sup, hub, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetStreamingActive(mgr.Streaming())
			met.SetRecordingActive(mgr.Recording())
			met.SetWSClients(hub.ClientCount())
		}).ServeHTTP(w, req)
	})
	r.Get("/", h.Index)
	r.Get("/stream", h.Stream)
	r.Get("/ws", hub.ServeWS)
	r.Route("/api", func(r chi.Router) {
		r.Post("/command", h.Command)
		r.Get("/gallery", h.Gallery)
		r.Get("/status", h.Status)
	})
	r.Route("/media", func(r chi.Router) {
		r.Delete("/", h.MediaDeleteAll)
		r.Get("/{name}", h.MediaGet)
		r.Delete("/{name}", h.MediaDelete)
	})

	go mgr.RunRecorder(ctx)
	go sup.Run(ctx)

	if rawPath := config.GetEnv("TOUCH_RAW_PATH", ""); rawPath != "" {
		det := gesture.NewDetector(
			config.GetEnvInt("TOUCH_THRESHOLD", 600),
			config.GetEnvMillis("TOUCH_LONGHOLD_MS", gesture.DefaultLongHold),
			config.GetEnvMillis("TOUCH_QUIET_MS", gesture.DefaultQuiet))
		bindings := gesture.Bindings{
			Tap: func() { disp.Dispatch(control.Command{Action: control.ActionCapture}) },
			MultiTap: func() {
				if err := mgr.ToggleRecording(); err != nil {
					log.Warn("gesture record toggle failed", "error", err)
				}
			},
			LongHold: func() { disp.Dispatch(control.Command{Action: control.ActionStreamToggle}) },
		}
		poller := gesture.NewPoller(gesture.FileSource{Path: rawPath}, det, bindings,
			config.GetEnvMillis("TOUCH_POLL_MS", gesture.DefaultPollInterval), log)
		go poller.Run(ctx)
		log.Info("touch poller enabled", "path", rawPath)
	}

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("agent starting",
		"port", port,
		"media_dir", mediaDir,
		"camera_driver", driver,
		"target_fps", fps,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	cancel()
	mgr.StopStream()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	// Close the open recording so its tail frames and sidecar survive.
	if err := mgr.StopRecording(); err != nil {
		log.Warn("recording not closed cleanly", "error", err)
	}
	if err := dev.Stop(); err != nil {
		log.Warn("camera stop failed", "error", err)
	}
	ann.Close()
	if mq != nil {
		mq.Close()
	}

	log.Info("agent stopped")
}
