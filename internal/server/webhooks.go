package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"mediajob/internal/engine"
)

const maxCallbackBody = 1 << 20

// gotoHandler dispatches POST /goto?target= to the receiver named by
// target. Only the processing-service callback is registered.
func gotoHandler(e engine.Engine, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("target")
		if target == "" || target != e.Config.Service.WebhookTarget {
			respondStatusError(w, newAPIError(http.StatusNotFound, "unknown_target", "unknown target", map[string]any{"target": target}))
			return
		}
		if secret := e.Config.Webhook.Secret; secret != "" {
			got := r.Header.Get("X-Webhook-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				log.WithField("remote", r.RemoteAddr).Warn("callback with bad secret")
				respondStatusError(w, errBadCredentials())
				return
			}
		}
		var n engine.CallbackNotification
		dec := json.NewDecoder(io.LimitReader(r.Body, maxCallbackBody))
		if err := dec.Decode(&n); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid callback body", map[string]any{"error": err.Error()}))
			return
		}
		job, err := e.HandleCallback(r.Context(), n)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"job": n.DocumentID, "action": n.Action}).Warn("callback rejected")
			respondStatusError(w, handleError(err))
			return
		}
		writeJSON(w, http.StatusOK, job, log)
	}
}
