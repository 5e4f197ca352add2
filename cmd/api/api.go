package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/KAsare1/wallsync/service/forum"
	"github.com/KAsare1/wallsync/service/wall"
	"github.com/KAsare1/wallsync/service/ws"
)

const shutdownTimeout = 5 * time.Second

type APIServer struct {
	address string
	view    *wall.View
}

func NewApiServer(address string, view *wall.View) *APIServer {
	return &APIServer{
		address: address,
		view:    view,
	}
}

func (s *APIServer) Handler() (http.Handler, func()) {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	hub := ws.NewHub()
	postHandler := forum.NewPostHandler(s.view, hub)
	postHandler.RegisterRoutes(subrouter)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	closeFn := func() {
		postHandler.Close()
		hub.Close()
	}
	return handlers.LoggingHandler(os.Stdout, cors(router)), closeFn
}

// Run serves until ctx is done.
func (s *APIServer) Run(ctx context.Context) error {
	handler, closeFn := s.Handler()
	defer closeFn()

	server := &http.Server{
		Addr:    s.address,
		Handler: handler,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	glog.Infof("[api]server running at %s\n", s.address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
