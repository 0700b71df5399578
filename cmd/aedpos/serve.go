package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/gordian-engine/aedpos/dpos/dposengine"
)

func newServeCommand() *cobra.Command {
	var (
		addr     string
		miners   int
		rounds   int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a read-only HTTP query surface over a simulated engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))

			eng, fx, err := buildSimulation(log, miners, interval)
			if err != nil {
				return err
			}
			if err := runSimulation(cmd.Context(), log, eng, fx, rounds); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			log.Info("serving consensus queries", "addr", ln.Addr())

			srv := newHTTPServer(cmd.Context(), log, ln, eng)
			srv.Wait()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().IntVar(&miners, "miners", 5, "number of deterministic miners")
	cmd.Flags().IntVar(&rounds, "rounds", 3, "rounds to simulate before serving")
	cmd.Flags().DurationVar(&interval, "interval", 4*time.Second, "width of one mining slot")

	return cmd
}

type httpServer struct {
	done chan struct{}
}

func newHTTPServer(ctx context.Context, log *slog.Logger, ln net.Listener, eng *dposengine.Engine) *httpServer {
	srv := &http.Server{
		Handler: newRouter(log, eng),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &httpServer{
		done: make(chan struct{}),
	}
	go h.serve(log, ln, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *httpServer) Wait() {
	<-h.done
}

func (h *httpServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		// serve returned on its own, nothing left to do here.
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (h *httpServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

func newRouter(log *slog.Logger, eng *dposengine.Engine) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/round/current", handleCurrentRound(log, eng)).Methods("GET")
	r.HandleFunc("/round/{number:[0-9]+}", handleRoundByNumber(log, eng)).Methods("GET")
	r.HandleFunc("/miners", handleMiners(log, eng)).Methods("GET")
	r.HandleFunc("/watermark", handleWatermark(log, eng)).Methods("GET")
	r.HandleFunc("/blocks-count", handleBlocksCount(log, eng)).Methods("GET")

	return r
}

func writeJSON(log *slog.Logger, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", "err", err)
	}
}

func handleCurrentRound(log *slog.Logger, eng *dposengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		round, err := eng.GetCurrentRoundInformation(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(log, w, round)
	}
}

func handleRoundByNumber(log *slog.Logger, eng *dposengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		number, err := strconv.ParseUint(mux.Vars(req)["number"], 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		round, err := eng.GetRoundInformation(req.Context(), number)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(log, w, round)
	}
}

func handleMiners(log *slog.Logger, eng *dposengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		miners, err := eng.GetCurrentMinerList(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(log, w, map[string]any{"miners": miners})
	}
}

func handleWatermark(log *slog.Logger, eng *dposengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		round, err := eng.GetCurrentRoundInformation(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(log, w, map[string]any{
			"height":       round.ConfirmedIrreversibleBlockHeight,
			"round_number": round.ConfirmedIrreversibleBlockRoundNumber,
		})
	}
}

func handleBlocksCount(log *slog.Logger, eng *dposengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		count, err := eng.GetMaximumBlocksCount(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(log, w, map[string]any{"maximum_blocks_count": count})
	}
}
