package handlers

import (
	"encoding/json"
	"net/http"
)

type jsonResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, status, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(jsonResponse{Status: status, Message: message})
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, "error", message)
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "certdeliver-server",
	})
}

func HandleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"service":   "certdeliver",
		"message":   "Certificate delivery service",
		"client_ip": getClientIP(r),
	})
}
