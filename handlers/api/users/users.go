package users

import (
	"net/http"

	"taskmaster/core"
	"taskmaster/handlers/auth"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// HandleList returns every user except the caller, for the share
// picker.
func HandleList(store core.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"error": "User claims not found"})
			return
		}

		users, err := store.ListUsers(r.Context(), claims.Subject)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":  err,
				"userID": claims.Subject,
			}).Error("Failed to list users")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Failed to fetch users"})
			return
		}

		if users == nil {
			users = []*core.User{}
		}
		render.JSON(w, r, users)
	}
}
