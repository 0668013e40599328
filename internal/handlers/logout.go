package handlers

import (
	"net/http"

	"tethercam/internal/middleware"
)

// LogoutHandler ends the session and returns to the login page.
func LogoutHandler(sessions *middleware.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions.Revoke(middleware.Token(r))
		http.SetCookie(w, &http.Cookie{Name: middleware.SessionCookie, Path: "/", MaxAge: -1})
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	}
}
