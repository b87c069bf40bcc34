package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/AndreaDiazCorreia/mostro-push-server/internal/batch"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/crypto"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/dispatch"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/registry"
	"github.com/AndreaDiazCorreia/mostro-push-server/internal/relay"
)

// App holds the wired components behind the HTTP surface.
// Listener and scheduler may be nil (tests exercise handlers in isolation).
type App struct {
	cfg        *Config
	box        *crypto.TokenCrypto
	registry   *registry.Registry
	scheduler  *batch.Scheduler
	listener   *relay.Listener
	dispatcher *dispatch.Dispatcher
	startTime  time.Time
}

// registerRequest is the body of POST /api/register
type registerRequest struct {
	TradePubkey    string `json:"trade_pubkey"`
	EncryptedToken string `json:"encrypted_token"`
}

// unregisterRequest is the body of POST /api/unregister
type unregisterRequest struct {
	TradePubkey string `json:"trade_pubkey"`
}

// apiResponse is the common success/message envelope
type apiResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Platform string `json:"platform,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: false, Message: msg})
}

func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (app *App) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server_pubkey":        app.box.PublicKeyHex(),
		"version":              version,
		"encrypted_token_size": crypto.EncryptedTokenSize,
	})
}

// handleInfoQR renders the server pubkey as a PNG QR code so mobile
// clients can scan it during onboarding instead of typing 66 hex chars.
func (app *App) handleInfoQR(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(app.box.PublicKeyHex(), qrcode.Medium, 256)
	if err != nil {
		LoggerFromContext(r.Context()).Error("qr encode", "error", err)
		writeError(w, http.StatusInternalServerError, "QR generation failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (app *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "running",
		"version":       version,
		"server_pubkey": app.box.PublicKeyHex(),
		"tokens":        app.registry.Stats(),
	})
}

func (app *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(req.EncryptedToken)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid base64 encrypted token")
		return
	}

	platform, _, err := app.registry.Register(req.TradePubkey, ciphertext)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidPubkey):
			writeError(w, http.StatusBadRequest, "Invalid trade pubkey")
		case errors.Is(err, crypto.ErrInvalidTokenSize):
			writeError(w, http.StatusBadRequest, "Invalid encrypted token size")
		case errors.Is(err, registry.ErrUnknownPlatform):
			writeError(w, http.StatusBadRequest, "Unsupported token format")
		case errors.Is(err, crypto.ErrDecryptFailed),
			errors.Is(err, crypto.ErrInvalidEphemeralKey),
			errors.Is(err, crypto.ErrInvalidPayload),
			errors.Is(err, crypto.ErrInvalidPlatform):
			writeError(w, http.StatusBadRequest, "Token decryption failed")
		default:
			LoggerFromContext(r.Context()).Error("register failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Registration failed")
		}
		return
	}

	registrationsTotal.Add(1)
	LoggerFromContext(r.Context()).Info("token registered",
		"pubkey_prefix", req.TradePubkey[:16],
		"platform", platform.String(),
	)

	writeJSON(w, http.StatusOK, apiResponse{
		Success:  true,
		Message:  "Token registered successfully",
		Platform: platform.String(),
	})
}

func (app *App) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req unregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if !registry.ValidTradePubkey(req.TradePubkey) {
		writeError(w, http.StatusBadRequest, "Invalid trade pubkey")
		return
	}

	err := app.registry.Unregister(req.TradePubkey)
	if errors.Is(err, registry.ErrNotFound) {
		// Idempotent from the client's point of view
		writeJSON(w, http.StatusOK, apiResponse{
			Success: true,
			Message: "Token not found (may have already been unregistered)",
		})
		return
	}
	if err != nil {
		LoggerFromContext(r.Context()).Error("unregister failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Unregistration failed")
		return
	}

	unregistrationsTotal.Add(1)
	LoggerFromContext(r.Context()).Info("token unregistered",
		"pubkey_prefix", req.TradePubkey[:16],
	)

	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: "Token unregistered successfully",
	})
}

// routes builds the full handler tree with middleware applied
func (app *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", app.handleHealth)
	mux.HandleFunc("/api/info", apiHeaders(app.handleInfo))
	mux.HandleFunc("/api/info/qr", apiHeaders(app.handleInfoQR))
	mux.HandleFunc("/api/status", apiHeaders(app.handleStatus))
	mux.HandleFunc("/api/register", apiHeaders(limitBody(app.handleRegister, maxBodySize)))
	mux.HandleFunc("/api/unregister", apiHeaders(limitBody(app.handleUnregister, maxBodySize)))
	mux.HandleFunc("/metrics", app.metricsHandler)

	return RequestLoggingMiddleware(mux)
}
