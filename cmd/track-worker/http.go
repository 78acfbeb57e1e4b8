package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/dispatch"
)

type registerTrackRequest struct {
	Number  string `json:"number"`
	StoreID int64  `json:"storeId"`
}

type opsHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	w *worker
}

func runOpsHTTPServer(ctx context.Context, opts opsHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newOpsRouter(opts.w, opts.swaggerPath), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func newOpsRouter(wk *worker, swaggerPath string) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := wk.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"autoUpdate":    wk.updater.Stats(),
			"activeBatches": wk.progress.Active(),
			"poolSize":      wk.pool.Size(),
			"poolInFlight":  wk.pool.InFlight(),
			"cachedResults": wk.results.Len(),
			"cachedInvalid": wk.invalid.Len(),
		})
	})
	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		wk.updater.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
	})

	r.Get("/batches/{batchID}/progress", func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "batchID")
		if !ok {
			writeError(w, http.StatusBadRequest, "bad batch id")
			return
		}
		writeJSON(w, http.StatusOK, wk.progress.Progress(id))
	})

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/batches", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := idParam(r, "userID")
			if !ok {
				writeError(w, http.StatusBadRequest, "bad user id")
				return
			}
			var rows []models.UploadRow
			if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
				writeError(w, http.StatusBadRequest, "bad rows")
				return
			}
			batchID, err := wk.service.SubmitBatch(r.Context(), userID, rows)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]int64{"batchId": batchID})
		})
		r.Get("/results/latest", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := idParam(r, "userID")
			if !ok {
				writeError(w, http.StatusBadRequest, "bad user id")
				return
			}
			batchID, results, found := wk.service.LatestResults(userID)
			if !found {
				writeError(w, http.StatusNotFound, "no results")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"batchId": batchID, "results": results})
		})
		r.Get("/invalid/latest", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := idParam(r, "userID")
			if !ok {
				writeError(w, http.StatusBadRequest, "bad user id")
				return
			}
			batchID, invalid, found := wk.service.LatestInvalid(userID)
			if !found {
				writeError(w, http.StatusNotFound, "no invalid tracks")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"batchId": batchID, "invalid": invalid})
		})
		r.Post("/parcels", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := idParam(r, "userID")
			if !ok {
				writeError(w, http.StatusBadRequest, "bad user id")
				return
			}
			var req registerTrackRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Number == "" || req.StoreID <= 0 {
				writeError(w, http.StatusBadRequest, "bad track")
				return
			}
			p, err := wk.registrar.RegisterTrack(r.Context(), userID, req.Number, req.StoreID)
			switch {
			case errors.Is(err, models.ErrTrackConflict):
				writeError(w, http.StatusConflict, err.Error())
			case err != nil:
				writeError(w, http.StatusInternalServerError, err.Error())
			default:
				writeJSON(w, http.StatusCreated, p)
			}
		})
		r.Get("/lookup/{number}", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := idParam(r, "userID")
			if !ok {
				writeError(w, http.StatusBadRequest, "bad user id")
				return
			}
			res, err := wk.service.Lookup(r.Context(), userID, chi.URLParam(r, "number"))
			switch {
			case errors.Is(err, dispatch.ErrNoProcessor):
				writeError(w, http.StatusBadRequest, err.Error())
			case err != nil:
				writeError(w, http.StatusInternalServerError, err.Error())
			default:
				writeJSON(w, http.StatusOK, res)
			}
		})
		r.Post("/parcels/{parcelID}/refresh", func(w http.ResponseWriter, r *http.Request) {
			userID, ok1 := idParam(r, "userID")
			parcelID, ok2 := idParam(r, "parcelID")
			if !ok1 || !ok2 {
				writeError(w, http.StatusBadRequest, "bad id")
				return
			}
			res, err := wk.service.RefreshOne(r.Context(), userID, parcelID)
			switch {
			case errors.Is(err, models.ErrParcelNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, models.ErrFinalStatus), errors.Is(err, models.ErrTooEarly):
				writeError(w, http.StatusConflict, err.Error())
			case err != nil:
				writeError(w, http.StatusInternalServerError, err.Error())
			default:
				writeJSON(w, http.StatusOK, res)
			}
		})
	})

	r.Get("/stores/{storeID}/statistics", func(w http.ResponseWriter, r *http.Request) {
		storeID, ok := idParam(r, "storeID")
		if !ok {
			writeError(w, http.StatusBadRequest, "bad store id")
			return
		}
		key := models.StatsKey{StoreID: storeID, Carrier: models.CarrierType(r.URL.Query().Get("carrier"))}
		s, err := wk.storage.Statistics(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"statistics":          s,
			"averageDeliveryDays": s.AverageDeliveryDays(),
			"averagePickupDays":   s.AveragePickupDays(),
		})
	})

	if swaggerPath != "" {
		if fi, err := os.Stat(swaggerPath); err == nil {
			r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cache-Control", "no-store")
				http.ServeFile(w, r, swaggerPath)
			})
			swaggerURL := fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
			r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
		}
	}

	return r
}

func (wk *worker) ready(ctx context.Context) error {
	if p, ok := wk.storage.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "storage")
		}
	}
	if wk.redis != nil {
		if err := wk.redis.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "redis")
		}
	}
	return nil
}
