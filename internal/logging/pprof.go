package logging

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
)

// startPprof serves the default mux (which carries the pprof handlers) on
// addr. Only called when logs.pprof_addr is set.
func startPprof(addr string) {
	go func() {
		Logger().Info("pprof_server_start", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, nil); err != nil {
			Logger().Error("pprof_server_error", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
}
