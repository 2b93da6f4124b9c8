package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/auralabs/aura-sync/internal/auth"
	"github.com/auralabs/aura-sync/internal/hub"
	"github.com/auralabs/aura-sync/internal/server"
	"github.com/auralabs/aura-sync/internal/store"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	addr := envOr("ADDR", ":8080")
	dataDir := envOr("DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", dataDir).Msg("create data dir")
	}

	st, err := store.Open(filepath.Join(dataDir, "aura-sync.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer st.Close()

	authSvc := auth.NewService(st, os.Getenv("JWT_SECRET"), log)
	roomHub := hub.New(log)

	srv, err := server.New(st, roomHub, authSvc, log, dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("init server")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		corsCfg.AllowOrigins = strings.Split(origins, ",")
		corsCfg.AllowCredentials = true
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	router.Use(cors.New(corsCfg))

	srv.RegisterRoutes(router)

	log.Info().Str("addr", addr).Msg("aura-sync server starting")
	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
