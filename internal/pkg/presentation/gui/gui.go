package gui

import (
	"html/template"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/homed/cloud-bridge/internal/pkg/application/accounts"
)

// RegisterHandlers mounts the login page and the static assets the
// voice-assistant console links to. The login form posts back here
// and ends in a 301 to the assistant's redirect_uri carrying the
// authorization code.
func RegisterHandlers(log zerolog.Logger, router *chi.Mux, assetPath string, accountsSvc *accounts.Service) *chi.Mux {

	router.Get("/login", loginPageHandler(log, assetPath))
	router.Post("/login", loginHandler(log, accountsSvc))

	router.Get("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(assetPath, "logo.png"))
	})

	return router
}

type loginPage struct {
	ClientID    string
	RedirectURI string
	State       string
	Username    string
	Password    string
}

func loginPageHandler(log zerolog.Logger, assetPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := template.ParseFiles(filepath.Join(assetPath, "login.html"))
		if err != nil {
			log.Error().Err(err).Msg("failed to parse login page template")
			w.WriteHeader(http.StatusNotFound)
			return
		}

		query := r.URL.Query()

		data := loginPage{
			ClientID:    query.Get("client_id"),
			RedirectURI: query.Get("redirect_uri"),
			State:       query.Get("state"),
			Username:    query.Get("username"),
			Password:    query.Get("password"),
		}

		w.Header().Add("Content-Type", "text/html")

		if err = t.Execute(w, data); err != nil {
			log.Error().Err(err).Msg("failed to render login page")
		}
	}
}

func loginHandler(log zerolog.Logger, accountsSvc *accounts.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if r.PostForm.Get("client_id") != accountsSvc.ClientID() {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		user, ok := accountsSvc.Authenticate(r.PostForm.Get("username"), r.PostForm.Get("password"))
		if !ok {
			// back to the form with the submitted values prefilled
			http.Redirect(w, r, "/login?"+r.PostForm.Encode(), http.StatusMovedPermanently)
			return
		}

		code, err := accountsSvc.IssueCode(user)
		if err != nil {
			log.Error().Err(err).Msg("failed to issue authorization code")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		log.Info().Str("user", user.Name).Msg("user logged in")

		location := r.PostForm.Get("redirect_uri") + "?state=" + r.PostForm.Get("state") + "&code=" + code
		http.Redirect(w, r, location, http.StatusMovedPermanently)
	}
}
