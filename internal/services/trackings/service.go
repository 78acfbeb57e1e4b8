// Package trackings is the entry point of the pipeline for upload handlers,
// refresh endpoints and the batch consumer.
package trackings

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/BearBump/parceltrack/internal/broker/messages"
	"github.com/BearBump/parceltrack/internal/cache/ttlcache"
	"github.com/BearBump/parceltrack/internal/lock"
	"github.com/BearBump/parceltrack/internal/logger"
	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/classifier"
	"github.com/BearBump/parceltrack/internal/services/dispatch"
	"github.com/BearBump/parceltrack/internal/services/upload"
)

type Validator interface {
	Validate(ctx context.Context, rows []models.UploadRow, userID int64) (upload.Result, error)
}

type Dispatcher interface {
	Supports(c models.CarrierType) bool
	Dispatch(ctx context.Context, batchID int64, grouped map[models.CarrierType][]models.TrackMeta, userID int64) []models.TrackResult
	DispatchOne(ctx context.Context, track models.TrackMeta, userID int64) (models.TrackResult, error)
}

type ProgressTracker interface {
	RegisterBatch(ctx context.Context, batchID, total, ownerID int64)
}

type IDGenerator interface {
	Next() int64
}

type Notifier interface {
	PushStatus(ctx context.Context, ownerID int64, message string, completed bool)
}

type ParcelRepository interface {
	// ParcelByID returns models.ErrParcelNotFound for foreign or missing parcels.
	ParcelByID(ctx context.Context, ownerID, parcelID int64) (*models.Parcel, error)
}

type Gate interface {
	Check(p *models.Parcel) error
}

type Deps struct {
	Validator  Validator
	Dispatcher Dispatcher
	Progress   ProgressTracker
	IDs        IDGenerator
	Notifier   Notifier
	Parcels    ParcelRepository
	Gate       Gate
	Results    *ttlcache.Cache[[]models.TrackResult]
	Invalid    *ttlcache.Cache[[]models.InvalidTrack]
	Log        *logger.Logger

	// ParcelLocks is shared with background updaters; a private one is made if nil.
	ParcelLocks *lock.KeyedMutex
}

type Service struct {
	validator  Validator
	dispatcher Dispatcher
	progress   ProgressTracker
	ids        IDGenerator
	notifier   Notifier
	parcels    ParcelRepository
	gate       Gate
	results    *ttlcache.Cache[[]models.TrackResult]
	invalid    *ttlcache.Cache[[]models.InvalidTrack]
	log        *logger.Logger

	parcelLocks *lock.KeyedMutex
	numberLocks *lock.KeyedMutex

	wg sync.WaitGroup
}

func New(d Deps) *Service {
	s := &Service{
		validator:   d.Validator,
		dispatcher:  d.Dispatcher,
		progress:    d.Progress,
		ids:         d.IDs,
		notifier:    d.Notifier,
		parcels:     d.Parcels,
		gate:        d.Gate,
		results:     d.Results,
		invalid:     d.Invalid,
		log:         d.Log,
		parcelLocks: d.ParcelLocks,
		numberLocks: lock.NewKeyedMutex(0),
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	if s.parcelLocks == nil {
		s.parcelLocks = lock.NewKeyedMutex(0)
	}
	return s
}

// SubmitBatch validates rows and starts processing them in the background.
// The returned id addresses the batch in progress pushes and in the caches.
func (s *Service) SubmitBatch(ctx context.Context, userID int64, rows []models.UploadRow) (int64, error) {
	res, err := s.validator.Validate(ctx, rows, userID)
	if err != nil {
		return 0, errors.Wrap(err, "validate upload")
	}

	grouped, unknown := dispatch.Partition(res.Valid)
	invalid := res.Invalid
	for _, t := range unknown {
		invalid = append(invalid, models.InvalidTrack{Number: t.Number, Reason: models.InvalidWrongFormat})
	}
	var total int64
	for c, tracks := range grouped {
		if !s.dispatcher.Supports(c) {
			for _, t := range tracks {
				invalid = append(invalid, models.InvalidTrack{Number: t.Number, Reason: models.InvalidWrongFormat})
			}
			delete(grouped, c)
			continue
		}
		total += int64(len(tracks))
	}

	batchID := s.ids.Next()
	ctx = logger.WithBatchID(logger.WithUserID(ctx, userID), batchID)

	if len(invalid) > 0 {
		s.invalid.Add(userID, batchID, invalid)
	}
	if res.LimitMessage != "" {
		s.notifier.PushStatus(ctx, userID, res.LimitMessage, false)
	}
	s.progress.RegisterBatch(ctx, batchID, total, userID)
	s.log.Info(ctx, "batch accepted", "rows", len(rows), "tracks", total, "invalid", len(invalid))

	if total == 0 {
		s.results.Add(userID, batchID, []models.TrackResult{})
		s.notifier.PushStatus(ctx, userID, completionMessage(nil, len(invalid)), true)
		return batchID, nil
	}

	// Батч не отменяется вместе с запросом, который его создал.
	bctx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBatch(bctx, batchID, userID, grouped, len(invalid))
	}()
	return batchID, nil
}

func (s *Service) runBatch(ctx context.Context, batchID, userID int64, grouped map[models.CarrierType][]models.TrackMeta, invalid int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(ctx, "batch panicked", "panic", fmt.Sprint(r))
			s.notifier.PushStatus(ctx, userID, "Обработка прервана из-за внутренней ошибки", true)
		}
	}()

	results := s.dispatcher.Dispatch(ctx, batchID, grouped, userID)
	s.results.Add(userID, batchID, results)
	s.log.Info(ctx, "batch finished", "results", len(results))
	s.notifier.PushStatus(ctx, userID, completionMessage(results, invalid), true)
}

func completionMessage(results []models.TrackResult, invalid int) string {
	var saved, noData int
	for _, r := range results {
		if r.Saved {
			saved++
		}
		if r.NoData {
			noData++
		}
	}
	msg := fmt.Sprintf("Обработано треков: %d, сохранено: %d", len(results), saved)
	if noData > 0 {
		msg += fmt.Sprintf(", без данных: %d", noData)
	}
	if invalid > 0 {
		msg += fmt.Sprintf(", с ошибками: %d", invalid)
	}
	return msg
}

// Wait blocks until every batch started by SubmitBatch has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// RefreshOne updates a single stored parcel on demand. Concurrent refreshes of
// the same parcel run one after another, so the later one sees the fresh
// LastUpdate and is rejected by the gate.
func (s *Service) RefreshOne(ctx context.Context, userID, parcelID int64) (models.TrackResult, error) {
	unlock := s.parcelLocks.Lock(lock.ParcelKey(parcelID))
	defer unlock()

	p, err := s.parcels.ParcelByID(ctx, userID, parcelID)
	if err != nil {
		return models.TrackResult{}, errors.Wrap(err, "load parcel")
	}
	if err := s.gate.Check(p); err != nil {
		return models.TrackResult{}, err
	}

	meta := models.TrackMeta{
		Number:  p.Number,
		StoreID: p.StoreID,
		CanSave: true,
		Carrier: p.Carrier,
	}
	res, err := s.dispatcher.DispatchOne(logger.WithUserID(ctx, userID), meta, userID)
	if err != nil {
		return models.TrackResult{}, errors.Wrap(err, "refresh parcel")
	}
	return res, nil
}

// Lookup resolves the current status of a number without persisting it.
func (s *Service) Lookup(ctx context.Context, userID int64, number string) (models.TrackResult, error) {
	number = classifier.Normalize(number)
	carrier := classifier.Classify(number)
	if carrier == models.CarrierUnknown {
		return models.TrackResult{}, errors.Wrapf(dispatch.ErrNoProcessor, "number %q", number)
	}

	unlock := s.numberLocks.Lock(number)
	defer unlock()

	return s.dispatcher.DispatchOne(ctx, models.TrackMeta{Number: number, Carrier: carrier}, userID)
}

func (s *Service) LatestResults(userID int64) (int64, []models.TrackResult, bool) {
	return s.results.GetLatest(userID)
}

func (s *Service) LatestInvalid(userID int64) (int64, []models.InvalidTrack, bool) {
	return s.invalid.GetLatest(userID)
}

func (s *Service) Results(userID, batchID int64) ([]models.TrackResult, bool) {
	return s.results.Get(userID, batchID)
}

// HandleBatchRequested is the Kafka handler for upload batches. Payloads that
// can never be processed come back wrapped in messages.ErrMalformed.
func (s *Service) HandleBatchRequested(ctx context.Context, key, value []byte) error {
	msg, err := messages.DecodeBatchRequested(value)
	if err != nil {
		s.log.Error(ctx, "bad batch message", "error", err, "key", string(key))
		return err
	}
	if msg.TraceID != "" {
		ctx = logger.WithTraceID(ctx, msg.TraceID)
	}
	_, err = s.SubmitBatch(ctx, msg.UserID, msg.Rows)
	return err
}
