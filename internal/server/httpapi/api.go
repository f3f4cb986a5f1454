// Package httpapi serves the REST auth boundary and the public-key directory
// endpoint, and mounts the websocket channel and metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ndvanh/vaultchat/internal/errs"
	"github.com/ndvanh/vaultchat/internal/repository"
	"github.com/ndvanh/vaultchat/internal/service"
)

// API wires auth, the key directory and the websocket hub into HTTP routes.
type API struct {
	auth  service.AuthService
	users repository.UserRepository
	hub   http.Handler
	log   *zap.Logger
}

// New constructs the API.
func New(auth service.AuthService, users repository.UserRepository, hub http.Handler, log *zap.Logger) *API {
	return &API{auth: auth, users: users, hub: hub, log: log}
}

// Routes builds the router.
func (a *API) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/register", a.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/verify", a.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/api/keys/{username}", a.handleKey).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", a.hub)
	return r
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Username  string    `json:"username"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	token, exp, err := a.auth.Register(r.Context(), c.Username, c.Password)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrAlreadyExists):
			writeError(w, http.StatusConflict, "username taken")
		case strings.HasPrefix(err.Error(), "validation:"):
			writeError(w, http.StatusBadRequest, strings.TrimSpace(strings.TrimPrefix(err.Error(), "validation:")))
		default:
			a.log.Error("register", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal")
		}
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{
		Token: token, ExpiresAt: exp, Username: strings.ToLower(strings.TrimSpace(c.Username)),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	token, exp, err := a.auth.LoginWithIP(r.Context(), c.Username, c.Password, remoteIP(r))
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "bad credentials")
		case errors.Is(err, errs.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate limited")
		default:
			a.log.Error("login", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal")
		}
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token: token, ExpiresAt: exp, Username: strings.ToLower(strings.TrimSpace(c.Username)),
	})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	username, err := a.authorize(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}

// handleKey serves the last announced public key of a (possibly offline)
// user. This is the out-of-band key fetch a sender uses when the recipient is
// not in the live roster.
func (a *API) handleKey(w http.ResponseWriter, r *http.Request) {
	if _, err := a.authorize(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	username := strings.ToLower(mux.Vars(r)["username"])
	key, err := a.users.PublicKey(r.Context(), username)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no key for user")
			return
		}
		a.log.Error("fetch key", zap.String("user", username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"username": rawString(username), "publicKey": key})
}

func (a *API) authorize(r *http.Request) (string, error) {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", errs.ErrUnauthorized
	}
	return a.auth.VerifyToken(strings.TrimSpace(v[7:]))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
