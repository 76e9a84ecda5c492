package main

import (
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/huikka/subathon/internal/gateway"
	"github.com/huikka/subathon/internal/query"
)

func setupServer(hub *gateway.Hub, queries *query.Handler) *http.Server {
	mux := http.NewServeMux()

	hub.RegisterRoutes(mux)
	queries.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedOrigins:   []string{"*"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})
	handler := c.Handler(mux)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", getEnv("PORT", "8000")),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}
