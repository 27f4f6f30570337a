package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"taskmaster/handlers/api/tasks"
	"taskmaster/handlers/api/users"
	"taskmaster/handlers/auth"
	"taskmaster/mail"
	authMiddleware "taskmaster/middleware"
	"taskmaster/realtime"
	"taskmaster/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

func setupRouter(store stores.Store, svc *realtime.Service, mailer mail.Mailer) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-CSRF-Token", "Origin", "Host", "Connection", "Accept-Encoding", "Accept-Language", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signup", auth.HandleSignup(store))
		r.Post("/login", auth.HandleLogin(store))
		r.Post("/refresh-token", auth.HandleRefreshToken(store))
		r.Post("/reset-password-request", auth.HandleResetPasswordRequest(store, mailer))
		r.Post("/reset-password", auth.HandleResetPassword(store))
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.AuthJWT)
			r.Post("/logout", auth.HandleLogout(store))
		})
	})

	r.Route("/api/tasks", func(r chi.Router) {
		r.Use(authMiddleware.AuthJWT)
		r.Post("/", tasks.HandleCreate(store))
		r.Get("/", tasks.HandleList(store))
		r.Put("/{id}", tasks.HandleUpdate(svc))
		r.Delete("/{id}", tasks.HandleDelete(svc))
		r.Post("/share-task", tasks.HandleShare(svc))
	})

	r.Route("/api/get-all-users", func(r chi.Router) {
		r.Use(authMiddleware.AuthJWT)
		r.Get("/", users.HandleList(store))
	})

	return r
}

func waitForShutdown(ioo *socketio.Server) {
	exit := make(chan struct{})
	signalC := make(chan os.Signal, 1)

	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range signalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down...")
	ioo.Close(nil)
	os.Exit(0)
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	listenAddress := flag.String("listen", ":5000", "The address to listen on.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	auth.InitAuth()
	store := stores.GetStore()
	mailer := mail.NewFromEnv()

	registry := realtime.NewRegistry()
	dispatcher := realtime.NewDispatcher(registry)
	svc := realtime.NewService(store, dispatcher, mailer)

	r := setupRouter(store, svc, mailer)

	ioo := realtime.SetupSocketIO(registry, dispatcher, store)
	r.Mount("/socket.io/", ioo.ServeHandler(nil))

	logrus.WithField("addr", *listenAddress).Info("starting server")
	go func() {
		if err := http.ListenAndServe(*listenAddress, r); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	waitForShutdown(ioo)
}
