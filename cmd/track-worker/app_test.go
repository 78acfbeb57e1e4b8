package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/parceltrack/config"
	"github.com/BearBump/parceltrack/internal/broker/kafka"
	"github.com/BearBump/parceltrack/internal/broker/messages"
	"github.com/BearBump/parceltrack/internal/integrations/carrier"
	"github.com/BearBump/parceltrack/internal/integrations/carrier/belpost"
	"github.com/BearBump/parceltrack/internal/integrations/carrier/evropost"
	"github.com/BearBump/parceltrack/internal/integrations/carrier/fake"
	"github.com/BearBump/parceltrack/internal/logger"
	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/notify"
	"github.com/BearBump/parceltrack/internal/storage/memstore"
)

func TestDefaultWorkerFactories_SelectGateways(t *testing.T) {
	f := defaultWorkerFactories(logger.NewNop())

	gw, bgw := f.newGateways(&config.Config{})
	_, ok := gw.(*fake.Gateway)
	require.True(t, ok)
	_, ok = bgw.(*fake.Gateway)
	require.True(t, ok)

	gw, bgw = f.newGateways(&config.Config{ParcelTrack: config.ParcelTrackConfig{
		BelpostBaseURL:  "http://localhost:9001",
		EvropostBaseURL: "http://localhost:9002",
		EvropostAPIKey:  "k",
	}})
	_, ok = gw.(*belpost.Client)
	require.True(t, ok)
	_, ok = bgw.(*evropost.Client)
	require.True(t, ok)

	gw, _ = f.newGateways(&config.Config{ParcelTrack: config.ParcelTrackConfig{
		BelpostBaseURL:  "http://localhost:9001",
		EvropostBaseURL: "http://localhost:9002",
		UseFakeGateways: true,
	}})
	_, ok = gw.(*fake.Gateway)
	require.True(t, ok)
}

func TestDefaultWorkerFactories_Unconfigured(t *testing.T) {
	f := defaultWorkerFactories(logger.NewNop())
	cfg := &config.Config{}

	require.Nil(t, f.newRedis(cfg))
	require.Nil(t, f.newProducer(cfg))
	require.Nil(t, f.newConsumer(cfg))

	st, closeFn, err := f.newStorage(context.Background(), cfg)
	require.NoError(t, err)
	_, ok := st.(*memstore.MemoryStore)
	require.True(t, ok)
	closeFn()
}

func TestDefaultWorkerFactories_Configured(t *testing.T) {
	f := defaultWorkerFactories(logger.NewNop())
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}

	rc := f.newRedis(cfg)
	require.NotNil(t, rc)
	require.NoError(t, rc.Close())

	p := f.newProducer(cfg)
	require.NotNil(t, p)
	_, ok := p.(*kafka.Producer)
	require.True(t, ok)

	c := f.newConsumer(cfg)
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}

func testFactories(st parcelStorage, closed *atomic.Bool) workerFactories {
	return workerFactories{
		newStorage: func(context.Context, *config.Config) (parcelStorage, func(), error) {
			return st, func() { closed.Store(true) }, nil
		},
		newRedis:    func(*config.Config) *redis.Client { return nil },
		newProducer: func(*config.Config) notify.Publisher { return nil },
		newConsumer: func(*config.Config) batchConsumer { return nil },
		newGateways: func(*config.Config) (carrier.Gateway, carrier.BatchGateway) {
			f := fake.New()
			return f, f
		},
	}
}

func TestRunTrackWorker_ContextCanceled(t *testing.T) {
	var closed atomic.Bool
	cfg := &config.Config{ParcelTrack: config.ParcelTrackConfig{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunTrackWorker(ctx, cfg, testFactories(memstore.New(), &closed), nil)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, closed.Load())
}

func TestRunTrackWorker_StorageError(t *testing.T) {
	f := testFactories(nil, new(atomic.Bool))
	f.newStorage = func(context.Context, *config.Config) (parcelStorage, func(), error) {
		return nil, nil, errors.New("no db")
	}
	err := RunTrackWorker(context.Background(), &config.Config{}, f, nil)
	require.EqualError(t, err, "no db")
}

type scriptedConsumer struct {
	calls  atomic.Int32
	cancel context.CancelFunc
	msg    []byte
}

func (c *scriptedConsumer) Consume(ctx context.Context, handler kafka.Handler) error {
	if c.calls.Add(1) == 1 {
		return errors.New("broker not available")
	}
	if err := handler(ctx, []byte("5"), c.msg); err != nil {
		return err
	}
	c.cancel()
	return nil
}

func (c *scriptedConsumer) Close() error { return nil }

func TestConsumeBatches_RestartsAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &scriptedConsumer{cancel: cancel, msg: []byte(`{"user_id":5}`)}
	var handled atomic.Int32
	err := consumeBatches(ctx, c, func(ctx context.Context, key, value []byte) error {
		handled.Add(1)
		return nil
	}, logger.NewNop())

	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 2, c.calls.Load())
	require.EqualValues(t, 1, handled.Load())
}

func newTestWorker(t *testing.T) (*worker, *memstore.MemoryStore) {
	t.Helper()
	st := memstore.New()
	st.AddStore(models.Store{ID: 1, OwnerID: 5, Name: "main", IsDefault: true})
	cfg := &config.Config{ParcelTrack: config.ParcelTrackConfig{MaxUploadTracks: 10}}
	return buildWorker(cfg, st, testFactories(st, new(atomic.Bool)), logger.NewNop()), st
}

func TestOpsRouter_BatchFlow(t *testing.T) {
	wk, _ := newTestWorker(t)
	srv := httptest.NewServer(newOpsRouter(wk, ""))
	defer srv.Close()

	rows := []models.UploadRow{{Number: "PC123456789BY"}, {Number: "BY123456789012"}, {Number: "bad"}}
	body, _ := json.Marshal(rows)
	resp, err := http.Post(srv.URL+"/users/5/batches", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted struct {
		BatchID int64 `json:"batchId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	_ = resp.Body.Close()
	require.NotZero(t, accepted.BatchID)

	wk.service.Wait()

	resp, err = http.Get(srv.URL + "/users/5/results/latest")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var latest struct {
		BatchID int64                `json:"batchId"`
		Results []models.TrackResult `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&latest))
	_ = resp.Body.Close()
	require.Equal(t, accepted.BatchID, latest.BatchID)
	require.Len(t, latest.Results, 2)

	resp, err = http.Get(srv.URL + "/users/5/invalid/latest")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/users/6/results/latest")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestOpsRouter_Misc(t *testing.T) {
	wk, _ := newTestWorker(t)
	srv := httptest.NewServer(newOpsRouter(wk, ""))
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/stats", "/batches/77/progress", "/stores/1/statistics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}

	resp, err := http.Post(srv.URL+"/trigger", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Post(srv.URL+"/users/5/parcels/404/refresh", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/batches/abc/progress")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHandleBatchRequested_ThroughWorker(t *testing.T) {
	wk, _ := newTestWorker(t)
	b, err := json.Marshal(messages.BatchRequested{UserID: 5, Rows: []models.UploadRow{{Number: "PC123456789BY"}}})
	require.NoError(t, err)

	require.NoError(t, wk.service.HandleBatchRequested(context.Background(), nil, b))
	wk.service.Wait()

	_, results, ok := wk.service.LatestResults(5)
	require.True(t, ok)
	require.Len(t, results, 1)
}

func TestOpsRouter_RegisterTrack(t *testing.T) {
	wk, st := newTestWorker(t)
	srv := httptest.NewServer(newOpsRouter(wk, ""))
	defer srv.Close()

	body := []byte(`{"number":" pc123456789by ","storeId":1}`)
	resp, err := http.Post(srv.URL+"/users/5/parcels", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.Parcel
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	require.Equal(t, "PC123456789BY", created.Number)
	require.Equal(t, models.CarrierBelpost, created.Carrier)

	resp, err = http.Post(srv.URL+"/users/5/parcels", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	n, err := st.CountParcels(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	resp, err = http.Post(srv.URL+"/users/5/parcels", "application/json", bytes.NewReader([]byte(`{"storeId":1}`)))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestOpsRouter_Lookup(t *testing.T) {
	wk, st := newTestWorker(t)
	srv := httptest.NewServer(newOpsRouter(wk, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/users/5/lookup/PC123456789BY")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res models.TrackResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	_ = resp.Body.Close()
	require.Equal(t, "PC123456789BY", res.Number)

	n, err := st.CountParcels(context.Background(), 5)
	require.NoError(t, err)
	require.Zero(t, n)

	resp, err = http.Get(srv.URL + "/users/5/lookup/not-a-track")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}
