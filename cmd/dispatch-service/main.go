package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tomaturno/dispatch-service/internal/announcer"
	"tomaturno/dispatch-service/internal/audit"
	"tomaturno/dispatch-service/internal/config"
	"tomaturno/dispatch-service/internal/httpapi"
	"tomaturno/dispatch-service/internal/hub"
	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
	"tomaturno/dispatch-service/internal/store/memory"
	"tomaturno/dispatch-service/internal/store/postgres"
	"tomaturno/dispatch-service/internal/sweeper"
	"tomaturno/dispatch-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	shutdownTelemetry := telemetry.Setup("dispatch-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	policy := store.Policy{
		CallRetryInterval:   cfg.CallRetryInterval,
		CallMaxAttempts:     cfg.CallMaxAttempts,
		SpecialPullsGeneral: cfg.SpecialPullsGeneral,
	}

	var st store.TurnStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()

		pgStore := postgres.NewStore(pool, policy)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("ensure schema: %v", err)
		}
		cancel()
		st = pgStore
	} else {
		log.Printf("DB_DSN not set, using in-memory store with a development roster")
		st = devStore(policy)
	}

	recorder := audit.NewRecorder(st)
	h := hub.New()
	handler := httpapi.NewHandler(st, recorder, h)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		ActorPerMinute: cfg.ActorRateLimitPerMinute,
		ActorBurst:     cfg.ActorRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", realtimeHandler(st, h))
	mux.Handle("/", httpapi.AuthMiddleware(st, handler.Routes()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "dispatch-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancelWorkers := context.WithCancel(context.Background())

	sw := sweeper.New(st, recorder, h, sweeper.Config{
		Interval:     cfg.SweepInterval,
		MaxHoldAge:   cfg.HoldTTL,
		MaxCallAwait: cfg.PresenceTimeout,
		BatchSize:    cfg.SweepBatchSize,
	})
	go sw.Loop(ctx)

	an := announcer.New(st, announcer.Config{Provider: cfg.AnnouncerProvider, BatchSize: cfg.SweepBatchSize})
	go an.Loop(ctx, cfg.AnnouncerInterval)

	go func() {
		log.Printf("dispatch-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// realtimeHandler serves the display-board push channel. Clients open a
// SockJS session, authenticate with their session id, and then narrow what
// they receive with subscribe messages.
func realtimeHandler(st store.TurnStore, h *hub.Hub) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		req := session.Request()
		sessionID := realtimeSessionID(req)
		if sessionID == "" {
			_ = session.Close(4001, "missing session")
			return
		}
		if _, err := st.GetSession(context.Background(), sessionID); err != nil {
			_ = session.Close(4002, "invalid session")
			return
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{
				EventType:      parsed.EventType,
				AttentionClass: parsed.AttentionClass,
			})
		}
	})
}

func realtimeSessionID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.Fields(auth)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

// devStore seeds a roster good enough to exercise the API locally without
// a database or an identity provider.
func devStore(policy store.Policy) *memory.Store {
	st := memory.NewStore(policy)
	st.AddCubicle(models.Cubicle{CubicleID: "cub-1", Name: "Cubiculo 1", Type: models.ClassGeneral, Active: true})
	st.AddCubicle(models.Cubicle{CubicleID: "cub-2", Name: "Cubiculo 2", Type: models.ClassGeneral, Active: true})
	st.AddCubicle(models.Cubicle{CubicleID: "cub-3", Name: "Cubiculo 3", Type: models.ClassSpecial, Active: true})
	st.AddPhlebotomist(models.Phlebotomist{PhlebotomistID: "phleb-1", Name: "Ana", Active: true})
	st.AddPhlebotomist(models.Phlebotomist{PhlebotomistID: "phleb-2", Name: "Luis", Active: true})
	expiry := time.Now().Add(24 * time.Hour)
	st.AddSession(store.Session{SessionID: "dev-admin", ActorID: "admin-1", ActorName: "Dev Admin", Role: models.RoleAdmin, ExpiresAt: expiry})
	st.AddSession(store.Session{SessionID: "dev-staff", ActorID: "phleb-1", ActorName: "Ana", Role: models.RoleFlebotomista, ExpiresAt: expiry})
	return st
}
