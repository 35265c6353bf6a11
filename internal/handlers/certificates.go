package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sdko-org/certdeliver/internal/artifact"
	"github.com/sdko-org/certdeliver/internal/audit"
	"github.com/sdko-org/certdeliver/internal/auth"
)

// HandleCertificate serves GET /api/v1/{file_name}. Every request runs the
// same gate sequence and produces exactly one terminal outcome and one
// audit record: whitelist, block, auth, artifact lookup, filename parsing,
// then the freshness decision.
func (h *CertHandler) HandleCertificate(w http.ResponseWriter, r *http.Request) {
	fileName := mux.Vars(r)["file_name"]
	token := r.URL.Query().Get("token")
	download := r.URL.Query().Get("download") == "true"
	clientIP := getClientIP(r)

	log := h.log.WithFields(logrus.Fields{
		"client_ip": clientIP,
		"filename":  fileName,
		"download":  download,
		"token":     auth.MaskToken(token),
	})
	log.Info("Certificate request")

	emit := func(status, reason string) {
		h.audit.Record(audit.Entry{
			ClientIP:    clientIP,
			Filename:    fileName,
			Status:      status,
			Reason:      reason,
			TokenMasked: auth.MaskToken(token),
			UserAgent:   r.UserAgent(),
		})
	}

	if h.whitelist.Enabled() && !h.whitelist.IsWhitelisted(r.Context(), clientIP) {
		log.Warn("Client not in whitelist")
		emit("denied", "not_whitelisted")
		writeError(w, http.StatusForbidden, "Client IP not in whitelist")
		return
	}

	if h.validator.IsBlocked(clientIP) {
		log.Warn("Client blocked after repeated auth failures")
		emit("denied", "rate_limited")
		writeError(w, http.StatusTooManyRequests, "Too many failed authentication attempts")
		return
	}

	if ok, reason := h.validator.Validate(token, fileName, clientIP); !ok {
		log.WithField("reason", reason).Warn("Authentication failed")
		emit("denied", string(reason))
		writeError(w, http.StatusForbidden, "Unauthorized access")
		return
	}

	local, err := h.store.Locate()
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			log.Error("No artifact in targets directory")
			emit("error", "no_local_artifact")
			writeError(w, http.StatusNotFound, "No certificate file available")
			return
		}
		// A present but unparseable artifact is a deployment problem on
		// our side, not the client's.
		log.WithError(err).Error("Local artifact filename invalid")
		emit("error", "server_invalid_local_filename")
		writeError(w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	remoteName, remoteTS, err := artifact.Parse(fileName)
	if err != nil {
		log.WithError(err).Warn("Malformed filename in request")
		emit("denied", "invalid_filename_format")
		writeError(w, http.StatusBadRequest, "Invalid filename format")
		return
	}

	if download {
		if local.Name != remoteName {
			log.WithFields(logrus.Fields{
				"local_name":  local.Name,
				"remote_name": remoteName,
			}).Warn("Download name mismatch")
			emit("denied", "not_found")
			writeError(w, http.StatusNotFound, "Certificate not found")
			return
		}
		emit("success_download", "forced_download")
		h.sendArtifact(w, r, local)
		return
	}

	if local.Name != remoteName {
		log.WithFields(logrus.Fields{
			"local_name":  local.Name,
			"remote_name": remoteName,
		}).Info("Conditional check name mismatch")
		emit("denied", "name_mismatch")
		writeError(w, http.StatusBadRequest, "Certificate name mismatch")
		return
	}

	switch {
	case local.Timestamp == remoteTS:
		emit("success_up_to_date", "up_to_date")
		writeJSON(w, http.StatusOK, "ok", "Certificate is up to date")

	case local.Timestamp > remoteTS:
		log.WithField("artifact", local.Filename()).Info("Sending updated certificate")
		emit("success_download", "update_available")
		h.sendArtifact(w, r, local)

	default:
		// The client claims a newer artifact than we produced. Under a
		// single packaging writer that cannot happen, so reject it
		// rather than silently accepting a bogus timestamp.
		log.WithFields(logrus.Fields{
			"local_ts":  local.Timestamp,
			"remote_ts": remoteTS,
		}).Warn("Client timestamp ahead of server")
		emit("denied", "protocol_violation")
		writeError(w, http.StatusBadRequest, "Invalid timestamp")
	}
}

func (h *CertHandler) sendArtifact(w http.ResponseWriter, r *http.Request, art artifact.Artifact) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(art.Path)))
	http.ServeFile(w, r, art.Path)
}
