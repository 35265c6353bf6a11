package handlers

import (
	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, ch *CertHandler) {
	r.HandleFunc("/", HandleRoot).Methods("GET")
	r.HandleFunc("/health", HandleHealth).Methods("GET")
	r.HandleFunc("/api/v1/{file_name}", ch.HandleCertificate).Methods("GET")
}
