package handler

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"realty-mail-engine/internal/auth"
	"realty-mail-engine/internal/session"
)

const callbackUnexpectedError = "unexpected_error"

// AuthorizeStart redirects the browser to the provider consent page
func (h *Handlers) AuthorizeStart(c *gin.Context) {
	sid := session.ID(c)

	consentURL, err := h.auth.BeginAuthorization(c.Request.Context(), sid)
	if err != nil {
		logrus.WithField("session_id", sid).Errorf("Failed to begin authorization: %v", err)
		respondError(c, http.StatusInternalServerError, "authorization_error", "Failed to begin authorization: "+err.Error())
		return
	}

	c.Redirect(http.StatusFound, consentURL)
}

// Callback completes the authorization code flow and sends the browser back
// to the application page with the outcome.
func (h *Handlers) Callback(c *gin.Context) {
	sid := session.ID(c)
	log := logrus.WithField("session_id", sid)

	_, err := h.auth.HandleCallback(c.Request.Context(), sid, auth.CallbackParams{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})

	query := url.Values{}
	if err != nil {
		kind, reason := callbackOutcome(err)
		log.Warnf("Authorization callback failed: %v", err)
		h.metrics.ObserveCallback(kind)
		query.Set("error", kind)
		if reason != "" {
			query.Set("reason", reason)
		}
		c.Redirect(http.StatusFound, h.appURL(query))
		return
	}

	h.metrics.ObserveCallback("connected")
	if err := h.scheduler.Watch(sid); err != nil {
		log.Errorf("Failed to start polling after connect: %v", err)
	}

	query.Set("connected", "1")
	c.Redirect(http.StatusFound, h.appURL(query))
}

// AuthStatus reports whether the session has a usable credential. An expired
// access token is refreshed transparently.
func (h *Handlers) AuthStatus(c *gin.Context) {
	ok, email := h.refresher.Status(c.Request.Context(), session.ID(c))
	c.JSON(http.StatusOK, AuthStatusResponse{IsAuthenticated: ok, UserEmail: email})
}

// Disconnect stops polling and destroys the session credential
func (h *Handlers) Disconnect(c *gin.Context) {
	sid := session.ID(c)

	h.scheduler.Unwatch(sid)
	if err := h.auth.Disconnect(c.Request.Context(), sid); err != nil {
		respondError(c, http.StatusInternalServerError, "disconnect_error", "Failed to disconnect: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Mailbox disconnected"})
}

func callbackOutcome(err error) (string, string) {
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) {
		return callbackUnexpectedError, ""
	}
	switch authErr.Kind {
	case auth.KindProviderDenied, auth.KindInvalidState, auth.KindMissingCode:
		return string(authErr.Kind), ""
	case auth.KindExchangeFailed:
		if authErr.Reason == auth.ReasonRedirectURIMismatch {
			return string(authErr.Kind), authErr.Reason
		}
		return string(authErr.Kind), ""
	default:
		return callbackUnexpectedError, ""
	}
}

func (h *Handlers) appURL(query url.Values) string {
	target := h.cfg.Server.AppRedirectURL
	if target == "" {
		target = "/"
	}
	u, err := url.Parse(target)
	if err != nil {
		return "/?" + query.Encode()
	}
	q := u.Query()
	for k, v := range query {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}
