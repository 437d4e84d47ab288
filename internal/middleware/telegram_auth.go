package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"
)

type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// AdminAuth guards organizer routes. A request passes with BasicAuth
// admin:<password> or with Telegram Mini App initData signed by the bot and
// belonging to one of the admin user IDs.
type AdminAuth struct {
	BotToken string
	AdminIDs []int64
	Password string
	Logger   *zap.Logger
}

func (a AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.checkBasicAuth(r) {
			next.ServeHTTP(w, r)
			return
		}

		if initData := initDataFrom(r); initData != "" {
			user, ok := validateTelegramInitData(initData, a.BotToken)
			switch {
			case !ok:
				a.Logger.Warn("initData inválido", zap.String("remote_addr", r.RemoteAddr))
			case !a.isAdmin(user.ID):
				a.Logger.Warn("Usuario Telegram no es admin", zap.Int64("telegram_id", user.ID))
			default:
				a.Logger.Info("Admin Telegram autenticado", zap.Int64("telegram_id", user.ID), zap.String("username", user.Username))
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="Raffle Admin"`)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized","code":"unauthorized"}`))
	})
}

func initDataFrom(r *http.Request) string {
	if v := r.Header.Get("X-Telegram-Init-Data"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("tg_init_data"); v != "" {
		return v
	}
	if cookie, err := r.Cookie("tg_init_data"); err == nil {
		if decoded, err := url.QueryUnescape(cookie.Value); err == nil {
			return decoded
		}
	}
	return ""
}

func (a AdminAuth) checkBasicAuth(r *http.Request) bool {
	if a.Password == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(a.Password)) == 1
}

func (a AdminAuth) isAdmin(userID int64) bool {
	for _, id := range a.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// validateTelegramInitData checks the Mini App signature: the hash must be
// HMAC-SHA256 of the sorted data-check-string keyed by
// HMAC-SHA256("WebAppData", botToken).
func validateTelegramInitData(initData, botToken string) (*TelegramUser, bool) {
	if botToken == "" {
		return nil, false
	}
	params, err := url.ParseQuery(initData)
	if err != nil {
		return nil, false
	}
	hash := params.Get("hash")
	if hash == "" {
		return nil, false
	}

	if !hmac.Equal([]byte(signInitData(params, botToken)), []byte(hash)) {
		return nil, false
	}

	userJSON := params.Get("user")
	if userJSON == "" {
		return nil, false
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(userJSON), &user); err != nil {
		return nil, false
	}
	return &user, true
}

func signInitData(params url.Values, botToken string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params.Get(k)
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	h := hmac.New(sha256.New, secret.Sum(nil))
	h.Write([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}
