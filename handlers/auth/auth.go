package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"taskmaster/core"
	"taskmaster/mail"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenTTL = 15 * time.Minute
	resetTokenTTL  = 15 * time.Minute
)

type contextKey string

// ClaimsContextKey is where the auth middleware stores the verified
// token claims on the request context.
const ClaimsContextKey = contextKey("claims")

// ClaimsFromContext returns the verified claims set by the auth
// middleware, if any.
func ClaimsFromContext(ctx context.Context) (*AppClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*AppClaims)
	return claims, ok
}

var (
	jwtSecret     []byte
	refreshSecret []byte
)

// AppClaims represents the custom claims for the access token. The
// subject is the user id.
type AppClaims struct {
	jwt.RegisteredClaims
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

func InitAuth() {
	jwtSecret = []byte(os.Getenv("JWT_SECRET"))
	if len(jwtSecret) == 0 {
		logrus.Warn("JWT_SECRET is not set. Authentication will not work.")
	}
	refreshSecret = []byte(os.Getenv("REFRESH_TOKEN_SECRET"))
	if len(refreshSecret) == 0 {
		refreshSecret = jwtSecret
	}
}

func createAccessToken(user *core.User) (string, error) {
	claims := &AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Name:  user.Name,
		Email: user.Email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func createRefreshToken(user *core.User) (string, error) {
	claims := &jwt.RegisteredClaims{
		Subject:  user.ID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(refreshSecret)
}

// ParseJWT validates an access token and returns its claims.
func ParseJWT(tokenString string) (*AppClaims, error) {
	claims := &AppClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

type (
	signupRequest struct {
		Name            string `json:"name"`
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}

	loginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	refreshRequest struct {
		RefreshToken string `json:"refreshToken"`
	}

	resetRequest struct {
		Email string `json:"email"`
	}

	resetPasswordRequest struct {
		Token           string `json:"token"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
)

// HandleSignup registers a new user with a bcrypt-hashed password.
func HandleSignup(store core.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"message": "Invalid request body"})
			return
		}
		if req.Name == "" || req.Email == "" || req.Password == "" || req.ConfirmPassword == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"message": "All fields are required"})
			return
		}
		if req.Password != req.ConfirmPassword {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"message": "Passwords do not match"})
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).Error("Failed to hash password")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}

		user := &core.User{
			Name:         req.Name,
			Email:        req.Email,
			PasswordHash: string(hash),
		}
		if err := store.CreateUser(r.Context(), user); err != nil {
			if errors.Is(err, core.ErrConflict) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, map[string]string{"message": "Email already registered"})
				return
			}
			logrus.WithError(err).Error("Failed to create user")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, map[string]string{"message": "User registered successfully"})
	}
}

// HandleLogin verifies credentials and issues an access/refresh token
// pair. The refresh token is persisted on the user record so it can
// be revoked by logout.
func HandleLogin(store core.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"message": "Invalid request body"})
			return
		}

		user, err := store.FindUserByEmail(r.Context(), req.Email)
		if err != nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"message": "Invalid credentials"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"message": "Invalid credentials"})
			return
		}

		accessToken, err := createAccessToken(user)
		if err != nil {
			logrus.WithError(err).Error("Failed to create access token")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}
		refreshToken, err := createRefreshToken(user)
		if err != nil {
			logrus.WithError(err).Error("Failed to create refresh token")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}

		user.RefreshToken = refreshToken
		if err := store.UpdateUser(r.Context(), user); err != nil {
			logrus.WithError(err).Error("Failed to persist refresh token")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}

		render.JSON(w, r, map[string]any{
			"accessToken":  accessToken,
			"refreshToken": refreshToken,
			"userData": map[string]string{
				"id":    user.ID,
				"name":  user.Name,
				"email": user.Email,
			},
		})
	}
}

// HandleRefreshToken exchanges a persisted refresh token for a fresh
// access token.
func HandleRefreshToken(store core.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, map[string]string{"message": "Refresh token required"})
			return
		}

		user, err := store.FindUserByRefreshToken(r.Context(), req.RefreshToken)
		if err != nil {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, map[string]string{"message": "Invalid refresh token"})
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(req.RefreshToken, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return refreshSecret, nil
		})
		if err != nil || !token.Valid {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, map[string]string{"message": "Token expired"})
			return
		}

		accessToken, err := createAccessToken(user)
		if err != nil {
			logrus.WithError(err).Error("Failed to create access token")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}
		render.JSON(w, r, map[string]string{"accessToken": accessToken})
	}
}

// HandleLogout revokes the caller's refresh token. The user id is
// taken from the verified access token, not the request body.
func HandleLogout(store core.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"message": "User claims not found"})
			return
		}

		user, err := store.FindUser(r.Context(), claims.Subject)
		if err != nil {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"message": "User not found"})
			return
		}

		user.RefreshToken = ""
		if err := store.UpdateUser(r.Context(), user); err != nil {
			logrus.WithError(err).Error("Failed to revoke refresh token")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}
		render.JSON(w, r, map[string]string{"message": "Logout successful"})
	}
}

// HandleResetPasswordRequest creates a short-lived reset token and
// emails a reset link.
func HandleResetPasswordRequest(store core.UserStore, mailer mail.Mailer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"message": "Invalid request body"})
			return
		}

		user, err := store.FindUserByEmail(r.Context(), req.Email)
		if err != nil {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"message": "User not found"})
			return
		}

		tokenBytes := make([]byte, 32)
		if _, err := rand.Read(tokenBytes); err != nil {
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}
		token := hex.EncodeToString(tokenBytes)

		user.ResetToken = token
		user.ResetTokenExpires = time.Now().Add(resetTokenTTL)
		if err := store.UpdateUser(r.Context(), user); err != nil {
			logrus.WithError(err).Error("Failed to persist reset token")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}

		resetURL := fmt.Sprintf("%s/reset-password/%s", os.Getenv("CLIENT_URL"), token)
		if err := mailer.SendPasswordReset(context.Background(), user, resetURL); err != nil {
			logrus.WithError(err).Error("Failed to send reset email")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}

		render.JSON(w, r, map[string]string{"message": "Reset link sent to your email"})
	}
}

// HandleResetPassword consumes a reset token and sets a new password.
func HandleResetPassword(store core.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resetPasswordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"message": "Invalid request body"})
			return
		}
		if req.Password != req.ConfirmPassword {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"message": "Passwords do not match"})
			return
		}

		user, err := store.FindUserByResetToken(r.Context(), req.Token)
		if err != nil || time.Now().After(user.ResetTokenExpires) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"message": "Invalid or expired token"})
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}

		user.PasswordHash = string(hash)
		user.ResetToken = ""
		user.ResetTokenExpires = time.Time{}
		if err := store.UpdateUser(r.Context(), user); err != nil {
			logrus.WithError(err).Error("Failed to update password")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Server error"})
			return
		}

		render.JSON(w, r, map[string]string{"message": "Password reset successfully"})
	}
}
