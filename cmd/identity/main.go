// This is a **development identity provider**. It issues signed actor tokens
// for qclab, standing in for the real identity service.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/gartstein/avenue/internal/lab/auth"
	"github.com/gartstein/avenue/internal/lab/config"
	"github.com/gartstein/avenue/internal/lab/models"
	zaplog "github.com/gartstein/avenue/internal/pkg/logger"
	"go.uber.org/zap"
)

const defaultAddr = ":8081"

// TokenResponse represents the response structure
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type identity struct {
	secret string
	ttl    time.Duration
	logger *zap.Logger
}

func (i *identity) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", i.tokenHandler)
	mux.HandleFunc("/whoami", i.whoamiHandler)
	return mux
}

// tokenHandler issues a token for ?actor=<id>&name=<username>.
func (i *identity) tokenHandler(w http.ResponseWriter, r *http.Request) {
	actor := models.Actor{
		ID:       models.ActorID(r.URL.Query().Get("actor")),
		Username: r.URL.Query().Get("name"),
	}
	token, err := auth.GenerateToken(actor, i.secret, i.ttl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	i.logger.Info("token issued", zap.String("actor", string(actor.ID)))
	writeJSON(w, TokenResponse{Token: token, ExpiresAt: time.Now().Add(i.ttl).UTC()})
}

// whoamiHandler returns the actor of the bearer token.
func (i *identity) whoamiHandler(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err == nil {
		var actor models.Actor
		if actor, err = auth.ActorFromToken(token, i.secret); err == nil {
			writeJSON(w, actor)
			return
		}
	}
	i.logger.Debug("token rejected", zap.Error(err))
	http.Error(w, "invalid token", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", defaultAddr, "listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := zaplog.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	i := &identity{secret: cfg.JWTSecret, ttl: cfg.TokenTTL, logger: logger.Named("identity")}
	srv := &http.Server{Addr: *addr, Handler: i.routes(), ReadHeaderTimeout: 5 * time.Second}

	logger.Info("Identity service running", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("identity service failed", zap.Error(err))
	}
}
