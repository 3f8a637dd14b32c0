// Copyright 2024 The Amoria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"crypto"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionTokenClaims is the bearer token payload clients present at the
// socket handshake.
type SessionTokenClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"usn"`
	jwt.RegisteredClaims
}

// GenerateSessionToken signs a bearer token for the user. Exposed for ops
// tooling and tests; the production issuer is the external auth service.
func GenerateSessionToken(config Config, userID uuid.UUID, username string, expiry time.Time) (string, error) {
	claims := &SessionTokenClaims{
		UserID:   userID.String(),
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.GetSession().TokenSecret))
}

func parseSessionToken(config Config, tokenString string) (*SessionTokenClaims, error) {
	claims := &SessionTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(config.GetSession().TokenSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}
	return claims, nil
}

// ApiServer is the client-facing HTTP listener: the WebSocket endpoint and
// a health check.
type ApiServer struct {
	logger   *zap.Logger
	config   Config
	db       *sql.DB
	registry *SessionRegistry
	presence Presence
	pipeline *Pipeline

	matchmaker *Matchmaker
	upgrader   *websocket.Upgrader
	server     *http.Server
}

func StartApiServer(logger *zap.Logger, startupLogger *zap.Logger, config Config, db *sql.DB, registry *SessionRegistry, presence Presence, pipeline *Pipeline, matchmaker *Matchmaker) *ApiServer {
	s := &ApiServer{
		logger:     logger,
		config:     config,
		db:         db,
		registry:   registry,
		presence:   presence,
		pipeline:   pipeline,
		matchmaker: matchmaker,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc(config.GetSocket().Path, s.handleWS).Methods(http.MethodGet)

	var handler http.Handler = router
	if origin := config.GetSocket().CORSOrigin; origin != "" {
		handler = handlers.CORS(
			handlers.AllowedOrigins([]string{origin}),
			handlers.AllowedMethods([]string{http.MethodGet}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		)(router)
	}

	s.server = &http.Server{
		Addr:         config.GetSocket().Host + ":" + strconv.Itoa(config.GetSocket().Port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
	}

	startupLogger.Info("Starting API server", zap.String("addr", s.server.Addr), zap.String("path", config.GetSocket().Path))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server listener failed", zap.Error(err))
		}
	}()
	return s
}

func (s *ApiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":     s.config.GetName(),
		"health":   "ok",
		"sessions": s.registry.Count(),
	})
}

// handleWS authenticates the bearer token once, upgrades the connection
// and hands it to a session whose read loop serializes all inbound frames.
func (s *ApiServer) handleWS(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			tokenString = auth[len("Bearer "):]
		}
	}
	if tokenString == "" {
		http.Error(w, "Missing bearer token", http.StatusUnauthorized)
		return
	}

	claims, err := parseSessionToken(s.config, tokenString)
	if err != nil {
		http.Error(w, "Invalid bearer token", http.StatusUnauthorized)
		return
	}
	userID, err := uuid.FromString(claims.UserID)
	if err != nil {
		http.Error(w, "Invalid bearer token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
		return
	}

	var expiry int64
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Unix()
	}
	session := NewWSSession(s.logger, s.config, userID, claims.Username, expiry, conn, s.pipeline, s.presence, s.registry)
	s.registry.Add(session)

	// A proposal committed while the user was offline is re-pushed here.
	s.matchmaker.DeliverOutstanding(r.Context(), session.Logger(), userID)

	session.Consume()
}

// Stop drains the listener then closes remaining sessions.
func (s *ApiServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown did not complete cleanly", zap.Error(err))
	}
	s.registry.Stop()
}
