// Command controlplane is the agent-sandbox control plane binary: it
// constructs every component (registry, wake, hibernation, vault,
// revocation, snapshot, relay router/client, ceiling, key rotation,
// governor, unlock bridge, audit) and serves the §6 HTTP surface.
//
// Wiring follows cmd/api/main.go's graceful-degradation pattern: every
// external dependency (Postgres, Redis, Pub/Sub, relay peers) is optional
// at startup, falling back to an in-memory/no-op substitute with a logged
// warning rather than refusing to start.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/audit"
	"github.com/ocx/controlplane/internal/capability"
	"github.com/ocx/controlplane/internal/ceiling"
	"github.com/ocx/controlplane/internal/config"
	"github.com/ocx/controlplane/internal/governor"
	"github.com/ocx/controlplane/internal/hibernation"
	"github.com/ocx/controlplane/internal/keyrotation"
	"github.com/ocx/controlplane/internal/registry"
	"github.com/ocx/controlplane/internal/relayclient"
	"github.com/ocx/controlplane/internal/relayrouter"
	"github.com/ocx/controlplane/internal/revocation"
	"github.com/ocx/controlplane/internal/sandboxrt"
	"github.com/ocx/controlplane/internal/snapshot"
	"github.com/ocx/controlplane/internal/unlockbridge"
	"github.com/ocx/controlplane/internal/vault"
	"github.com/ocx/controlplane/internal/wake"
)

func main() {
	cfg := config.Get()
	port := cfg.GetPort()

	// =========================================================================
	// Audit bus — Pub/Sub if GCP enabled, else in-memory (always available)
	// =========================================================================
	var auditEmitter audit.Emitter
	if cfg.PubSub.Enabled && cfg.PubSub.ProjectID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pubsubBus, err := audit.NewPubSubBus(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		cancel()
		if err != nil {
			slog.Warn("audit: Pub/Sub init failed, falling back to in-memory bus", "error", err)
			auditEmitter = audit.NewBus()
		} else {
			defer pubsubBus.Close()
			auditEmitter = pubsubBus
			slog.Info("audit: Pub/Sub-backed bus wired", "project", cfg.PubSub.ProjectID, "topic", cfg.PubSub.TopicID)
		}
	} else {
		auditEmitter = audit.NewBus()
		slog.Info("audit: in-memory bus (Pub/Sub disabled)")
	}

	// =========================================================================
	// Sandbox runtime + registry
	// =========================================================================
	runtime := sandboxrt.NewDockerRuntime(cfg.Sandbox.GvisorRuntime)
	reg := registry.New()

	scanCtx, scanCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := registry.Scan(scanCtx, runtime, reg, cfg.Database.DataDir, cfg.Database.SandboxPrefix); err != nil {
		slog.Warn("registry: initial scan failed, starting with an empty registry", "error", err)
	}
	scanCancel()
	slog.Info("registry initialized", "sandboxes", reg.Len())

	// =========================================================================
	// Revocation store — Postgres if configured, else in-memory
	// =========================================================================
	var revocationBackend revocation.Backend
	if cfg.Database.PostgresDSN != "" {
		pgBackend, err := revocation.NewPostgresBackend(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Warn("revocation: Postgres init failed, falling back to in-memory backend", "error", err)
			revocationBackend = revocation.NewMemoryBackend()
		} else {
			revocationBackend = pgBackend
		}
	} else {
		revocationBackend = revocation.NewMemoryBackend()
	}
	revocationStore, err := revocation.NewStore(
		context.Background(), revocationBackend,
		cfg.Bloom.ExpectedItems, cfg.Bloom.FalsePositiveP,
		time.Duration(cfg.Bloom.SaveDebounceMs)*time.Millisecond,
	)
	if err != nil {
		log.Fatalf("revocation: store init failed: %v", err)
	}
	defer revocationStore.Close()
	revocationService := revocation.NewService(revocationStore, nil)
	revocationService.SetAudit(auditEmitter)

	// =========================================================================
	// Snapshot store — Postgres if configured, else in-memory
	// =========================================================================
	var snapshotBackend snapshot.Backend
	if cfg.Database.PostgresDSN != "" {
		pgBackend, err := snapshot.NewPostgresBackend(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Warn("snapshot: Postgres init failed, falling back to in-memory backend", "error", err)
			snapshotBackend = snapshot.NewMemoryBackend()
		} else {
			snapshotBackend = pgBackend
		}
	} else {
		snapshotBackend = snapshot.NewMemoryBackend()
	}
	snapshotStore := snapshot.NewStore(snapshotBackend)

	// =========================================================================
	// Key rotation + Vault
	// =========================================================================
	var relayNotifierForRotation keyrotation.Notifier
	relayClients := make([]*relayclient.SingleClient, 0, len(cfg.Relay.URLs))
	for i, url := range cfg.Relay.URLs {
		name := "relay-" + strconv.Itoa(i)
		relayClients = append(relayClients, relayclient.NewSingleClient(relayclient.Config{
			Name:       name,
			BaseURL:    url,
			Timeout:    time.Duration(cfg.Relay.RequestTimeoutSec) * time.Second,
			MaxRetries: cfg.Relay.MaxRetries,
		}))
	}
	multiRelay := relayclient.NewMultiClient(relayClients, relayclient.MultiConfig{
		Strategy:            relayclient.Strategy(cfg.Relay.Strategy),
		CircuitThreshold:    uint32(cfg.Relay.CircuitThreshold),
		CircuitResetSec:     cfg.Relay.CircuitResetSec,
		HealthCheckSec:      cfg.Relay.HealthCheckSec,
		ForceTryWhenAllOpen: cfg.Relay.ForceTryWhenAllOpen,
	})
	healthCtx, healthCancel := context.WithCancel(context.Background())
	multiRelay.StartHealthChecks(healthCtx)
	defer func() {
		healthCancel()
		multiRelay.Stop()
	}()
	relayNotifierForRotation = multiRelay

	keyMgr, err := keyrotation.NewManager(relayNotifierForRotation)
	if err != nil {
		log.Fatalf("keyrotation: manager init failed: %v", err)
	}
	keyMgr.SetAudit(auditEmitter)

	v := vault.New(vault.Config{
		Path:            cfg.Database.DataDir + "/vault.json",
		KDFAlgorithm:    cfg.Vault.KDFAlgorithm,
		AEADAlgorithm:   cfg.Vault.AEADAlgorithm,
		SessionTimeoutS: cfg.Vault.SessionTimeoutS,
		Argon2Time:      cfg.Vault.Argon2Time,
		Argon2MemoryKB:  cfg.Vault.Argon2MemoryKB,
		Argon2Threads:   cfg.Vault.Argon2Threads,
	}, multiRelay)
	v.SetAudit(auditEmitter)

	// =========================================================================
	// Ceiling manager (C5)
	// =========================================================================
	ceilingMgr := ceiling.NewManager()
	ceilingMgr.SetAudit(auditEmitter)

	// =========================================================================
	// Wake coordinator (C11) + Hibernation controller (C10)
	// =========================================================================
	var wakeLock wake.Lock = wake.NoopLock{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			slog.Warn("wake: Redis connection failed, falling back to in-process lock", "addr", cfg.Redis.Addr, "error", err)
		} else {
			wakeLock = wake.NewRedisLock(rdb, "ocx:wake:")
			slog.Info("wake: RedisLock wired for cross-pod wake deduplication", "addr", cfg.Redis.Addr)
		}
		pingCancel()
	}
	wakeCoordinator := wake.New(wake.Config{
		Timeout:       time.Duration(cfg.Wake.TimeoutSec) * time.Second,
		HealthTimeout: time.Duration(cfg.Wake.HealthTimeoutSec) * time.Second,
		HealthPoll:    time.Duration(cfg.Wake.HealthPollMs) * time.Millisecond,
	}, reg, runtime, wakeLock, wake.NewMetrics(), nil)

	hibernationCtrl := hibernation.New(hibernation.Config{
		Interval:   time.Duration(cfg.Hibernation.ScanIntervalSec) * time.Second,
		PauseAfter: cfg.PauseAfter(),
		StopAfter:  cfg.StopAfter(),
	}, reg, runtime, nil)
	hibernationCtrl.Start(context.Background())
	defer hibernationCtrl.Stop()

	// =========================================================================
	// Resource governor (C12)
	// =========================================================================
	var costBackend governor.CostBackend
	if cfg.Database.PostgresDSN != "" {
		pgCost, err := governor.NewPostgresCostBackend(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Warn("governor: Postgres cost backend init failed, falling back to in-memory", "error", err)
			costBackend = governor.NewMemoryCostBackend()
		} else {
			costBackend = pgCost
		}
	} else {
		costBackend = governor.NewMemoryCostBackend()
	}
	resourceGovernor := governor.New(reg, runtime, cfg.Plans, costBackend)

	// =========================================================================
	// Relay router (C14) + Unlock bridge (C13)
	// =========================================================================
	relayRouter := relayrouter.New(reg, revocationService, snapshotStore, wakeCoordinator, nil)
	bridge := unlockbridge.New(reg, wakeCoordinator, cfg.Admin.Token, nil)

	// =========================================================================
	// Router setup
	// =========================================================================
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"service":   "ocx-controlplane",
			"sandboxes": reg.Len(),
		})
	}).Methods("GET")

	revocationService.RegisterRoutes(router)
	relayRouter.RegisterRoutes(router)

	router.HandleFunc("/api/containers/{tenantId}/unlock", func(w http.ResponseWriter, r *http.Request) {
		bridge.HandleUnlock(w, r, mux.Vars(r)["tenantId"])
	})

	// Ceiling — escalation workflow (§4.7)
	router.HandleFunc("/v1/ceilings/{agentId}/escalations", handleCreateEscalation(ceilingMgr)).Methods("POST")
	router.HandleFunc("/v1/escalations/{id}/approve", handleResolveEscalation(ceilingMgr, true)).Methods("POST")
	router.HandleFunc("/v1/escalations/{id}/deny", handleResolveEscalation(ceilingMgr, false)).Methods("POST")
	router.HandleFunc("/v1/escalations/{id}", handleGetEscalation(ceilingMgr)).Methods("GET")

	// Key rotation — admin-triggered rotation (§C6)
	router.HandleFunc("/v1/keyrotation/rotate", handleRotateKey(keyMgr)).Methods("POST")

	// Resource governor — plan limit application and cost stats
	router.HandleFunc("/v1/tenants/{tenantId}/plan", handleUpdateLimits(resourceGovernor)).Methods("PUT")
	router.HandleFunc("/v1/tenants/{tenantId}/stats", handleGovernorStats(resourceGovernor)).Methods("GET")

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("OCX controlplane starting", "port", port, "health_check", "http://localhost:"+port+"/health")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	slog.Info("server stopped")
}

// -----------------------------------------------------------------------
// Inline HTTP handlers for components that have no handler package of
// their own (ceiling, keyrotation, governor are pure managers).
// -----------------------------------------------------------------------

func handleCreateEscalation(mgr *ceiling.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := mux.Vars(r)["agentId"]
		var body struct {
			Resource       string                  `json:"resource"`
			RequestedScope []capability.Permission `json:"requestedScope"`
			SubjectPub     string                  `json:"subjectPub"`
			ExpiresInSec   int                     `json:"expiresInSec"`
			MaxCalls       *int                    `json:"maxCalls,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, apierr.New(apierr.InvalidInput, "malformed escalation request body"))
			return
		}
		req, err := mgr.CreateEscalationRequest(agentID, body.Resource, body.RequestedScope, body.SubjectPub, body.ExpiresInSec, body.MaxCalls)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, req)
	}
}

func handleResolveEscalation(mgr *ceiling.Manager, approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var body struct {
			HumanID string `json:"humanId"`
			Reason  string `json:"reason,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, apierr.New(apierr.InvalidInput, "malformed resolution body"))
			return
		}
		var req *ceiling.EscalationRequest
		var err error
		if approve {
			req, err = mgr.ApproveEscalationRequest(id, body.HumanID)
		} else {
			req, err = mgr.DenyEscalationRequest(id, body.HumanID, body.Reason)
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func handleGetEscalation(mgr *ceiling.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		req, ok := mgr.GetEscalationRequest(id)
		if !ok {
			writeErr(w, apierr.New(apierr.NotFound, "escalation request not found"))
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func handleRotateKey(mgr *keyrotation.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TransitionHours        int      `json:"transitionHours"`
			Reason                  string   `json:"reason"`
			AffectedCapabilityIDs   []string `json:"affectedCapabilityIds,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, apierr.New(apierr.InvalidInput, "malformed rotate request body"))
			return
		}
		notif, err := mgr.Rotate(body.TransitionHours, body.Reason, body.AffectedCapabilityIDs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, notif)
	}
}

func handleUpdateLimits(gov *governor.Governor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenantId"]
		var body struct {
			Plan string `json:"plan"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, apierr.New(apierr.InvalidInput, "malformed plan update body"))
			return
		}
		if err := gov.UpdateLimits(r.Context(), tenantID, body.Plan); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"tenantId": tenantID, "plan": body.Plan})
	}
}

func handleGovernorStats(gov *governor.Governor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenantId"]
		stats, err := gov.Stats(r.Context(), tenantID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, err error) {
	status, body := apierr.StatusAndBody(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
