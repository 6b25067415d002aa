package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSMiddleware returns the CORS policy for browser and mobile clients.
// An empty origins list allows every origin.
func CORSMiddleware(origins []string) func(next http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Request-ID",
		},
		ExposedHeaders: []string{
			"Retry-After",
			"X-Request-ID",
		},
		// credentials cannot be combined with a wildcard origin
		AllowCredentials: origins[0] != "*",
		MaxAge:           300,
	})
}
