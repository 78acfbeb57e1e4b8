// Package upload turns raw upload rows into validated units of work.
package upload

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/classifier"
)

type Quota interface {
	// CanUploadTracks returns how many of requested tracks the user may upload now.
	CanUploadTracks(ctx context.Context, userID int64, requested int) (int, error)
	// CanSaveMoreTracks returns how many of requested new tracks may be persisted.
	CanSaveMoreTracks(ctx context.Context, userID int64, requested int) (int, error)
}

type StoreDirectory interface {
	// StoreByID and StoreByName return models.ErrStoreNotFound when absent.
	StoreByID(ctx context.Context, storeID int64) (*models.Store, error)
	StoreByName(ctx context.Context, ownerID int64, name string) (*models.Store, error)
	DefaultStoreID(ctx context.Context, ownerID int64) (int64, error)
}

type ParcelLookup interface {
	// ExistingNumbers reports which of numbers the owner already tracks, in any store.
	ExistingNumbers(ctx context.Context, ownerID int64, numbers []string) (map[string]bool, error)
}

type Result struct {
	Valid        []models.TrackMeta
	Invalid      []models.InvalidTrack
	LimitMessage string
}

type Validator struct {
	quota   Quota
	stores  StoreDirectory
	parcels ParcelLookup
}

func NewValidator(quota Quota, stores StoreDirectory, parcels ParcelLookup) *Validator {
	return &Validator{quota: quota, stores: stores, parcels: parcels}
}

type candidate struct {
	row    models.UploadRow
	number string
}

// Validate never fails on bad input or exhausted quotas; an error means one of
// the collaborators could not be reached.
func (v *Validator) Validate(ctx context.Context, rows []models.UploadRow, userID int64) (Result, error) {
	var res Result

	candidates := make([]candidate, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		number := classifier.Normalize(row.Number)
		if number == "" {
			res.Invalid = append(res.Invalid, models.InvalidTrack{Reason: models.InvalidEmptyNumber})
			continue
		}
		if _, dup := seen[number]; dup {
			res.Invalid = append(res.Invalid, models.InvalidTrack{Number: number, Reason: models.InvalidDuplicate})
			continue
		}
		seen[number] = struct{}{}
		candidates = append(candidates, candidate{row: row, number: number})
	}
	if len(candidates) == 0 {
		return res, nil
	}

	var messages []string

	allowed, err := v.quota.CanUploadTracks(ctx, userID, len(candidates))
	if err != nil {
		return Result{}, errors.Wrap(err, "upload quota")
	}
	if allowed < 0 {
		allowed = 0
	}
	if allowed < len(candidates) {
		messages = append(messages, fmt.Sprintf(
			"Обработано %d из %d треков: достигнут лимит загрузки по тарифу.", allowed, len(candidates)))
		candidates = candidates[:allowed]
	}
	if len(candidates) == 0 {
		res.LimitMessage = strings.Join(messages, " ")
		return res, nil
	}

	defaultStore, err := v.stores.DefaultStoreID(ctx, userID)
	if err != nil {
		return Result{}, errors.Wrap(err, "default store")
	}

	numbers := make([]string, len(candidates))
	for i, c := range candidates {
		numbers[i] = c.number
	}
	existing, err := v.parcels.ExistingNumbers(ctx, userID, numbers)
	if err != nil {
		return Result{}, errors.Wrap(err, "existing numbers")
	}

	newCount := 0
	for _, c := range candidates {
		if !existing[c.number] {
			newCount++
		}
	}
	saveSlots := 0
	if newCount > 0 {
		saveSlots, err = v.quota.CanSaveMoreTracks(ctx, userID, newCount)
		if err != nil {
			return Result{}, errors.Wrap(err, "save quota")
		}
	}

	storeCache := make(map[string]int64)
	notSaved := 0
	for _, c := range candidates {
		storeID, ok := storeCache[c.row.Store]
		if !ok {
			storeID, err = v.resolveStore(ctx, c.row.Store, userID, defaultStore)
			if err != nil {
				return Result{}, err
			}
			storeCache[c.row.Store] = storeID
		}

		canSave := true
		if !existing[c.number] {
			if saveSlots > 0 {
				saveSlots--
			} else {
				canSave = false
				notSaved++
			}
		}

		res.Valid = append(res.Valid, models.TrackMeta{
			Number:  c.number,
			StoreID: storeID,
			Phone:   NormalizePhone(c.row.Phone),
			CanSave: canSave,
			Carrier: classifier.Classify(c.number),
		})
	}
	if notSaved > 0 {
		messages = append(messages, fmt.Sprintf(
			"%d новых треков будут проверены, но не сохранены: достигнут лимит хранения по тарифу.", notSaved))
	}

	res.LimitMessage = strings.Join(messages, " ")
	return res, nil
}

// resolveStore picks the row's store: numeric id, then name, then the owner's
// default. A store owned by somebody else falls back to the default.
func (v *Validator) resolveStore(ctx context.Context, ref string, userID, defaultStore int64) (int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return defaultStore, nil
	}

	var (
		st  *models.Store
		err error
	)
	if id, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
		st, err = v.stores.StoreByID(ctx, id)
	} else {
		st, err = v.stores.StoreByName(ctx, userID, ref)
	}
	if errors.Is(err, models.ErrStoreNotFound) {
		return defaultStore, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "resolve store")
	}
	if st.OwnerID != userID {
		return defaultStore, nil
	}
	return st.ID, nil
}
