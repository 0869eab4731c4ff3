package http

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes lists the handlers mounted by NewRouter. Nil handlers are skipped.
type Routes struct {
	WS          *WSHandler
	Rooms       *RoomsHandler
	SocketIO    http.Handler
	Metrics     http.Handler
	MetricsPath string
}

func NewRouter(routes Routes) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	if routes.WS != nil {
		r.HandleFunc("/ws", routes.WS.ServeWS)
	}
	if routes.Rooms != nil {
		r.HandleFunc("/api/rooms/{roomId}", routes.Rooms.GetRoom).Methods(http.MethodGet)
		r.HandleFunc("/api/rooms/{roomId}/results", routes.Rooms.GetResults).Methods(http.MethodGet)
	}
	if routes.SocketIO != nil {
		r.PathPrefix("/socket.io/").Handler(routes.SocketIO)
	}
	if routes.Metrics != nil {
		path := routes.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, routes.Metrics).Methods(http.MethodGet)
	}
	return r
}
