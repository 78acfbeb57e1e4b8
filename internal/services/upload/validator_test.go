package upload

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/parceltrack/internal/models"
)

type quotaMock struct {
	mock.Mock
}

func (m *quotaMock) CanUploadTracks(ctx context.Context, userID int64, requested int) (int, error) {
	args := m.Called(ctx, userID, requested)
	return args.Int(0), args.Error(1)
}

func (m *quotaMock) CanSaveMoreTracks(ctx context.Context, userID int64, requested int) (int, error) {
	args := m.Called(ctx, userID, requested)
	return args.Int(0), args.Error(1)
}

type fakeStores struct {
	stores  map[int64]*models.Store
	defByID map[int64]int64
}

func (f *fakeStores) StoreByID(_ context.Context, id int64) (*models.Store, error) {
	if st, ok := f.stores[id]; ok {
		return st, nil
	}
	return nil, models.ErrStoreNotFound
}

func (f *fakeStores) StoreByName(_ context.Context, ownerID int64, name string) (*models.Store, error) {
	for _, st := range f.stores {
		if st.OwnerID == ownerID && st.Name == name {
			return st, nil
		}
	}
	return nil, models.ErrStoreNotFound
}

func (f *fakeStores) DefaultStoreID(_ context.Context, ownerID int64) (int64, error) {
	return f.defByID[ownerID], nil
}

type fakeLookup map[string]bool

func (f fakeLookup) ExistingNumbers(_ context.Context, _ int64, numbers []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, n := range numbers {
		if f[n] {
			out[n] = true
		}
	}
	return out, nil
}

func newStores() *fakeStores {
	return &fakeStores{
		stores: map[int64]*models.Store{
			10: {ID: 10, OwnerID: 1, Name: "Main", IsDefault: true},
			11: {ID: 11, OwnerID: 1, Name: "Гродно"},
			20: {ID: 20, OwnerID: 2, Name: "Foreign"},
		},
		defByID: map[int64]int64{1: 10, 2: 20},
	}
}

func TestValidate_QuotasCapUploadAndSave(t *testing.T) {
	q := &quotaMock{}
	q.On("CanUploadTracks", mock.Anything, int64(1), 3).Return(2, nil)
	q.On("CanSaveMoreTracks", mock.Anything, int64(1), 2).Return(1, nil)

	v := NewValidator(q, newStores(), fakeLookup{})
	res, err := v.Validate(context.Background(), []models.UploadRow{
		{Number: "PC123456789BY"},
		{Number: "PC223456789BY"},
		{Number: "PC323456789BY"},
	}, 1)
	require.NoError(t, err)

	require.Len(t, res.Valid, 2)
	require.Equal(t, "PC123456789BY", res.Valid[0].Number)
	require.True(t, res.Valid[0].CanSave)
	require.Equal(t, "PC223456789BY", res.Valid[1].Number)
	require.False(t, res.Valid[1].CanSave)
	require.NotEmpty(t, res.LimitMessage)
	require.Empty(t, res.Invalid)
	q.AssertExpectations(t)
}

func TestValidate_ExistingTracksDoNotConsumeSaveSlots(t *testing.T) {
	q := &quotaMock{}
	q.On("CanUploadTracks", mock.Anything, int64(1), 3).Return(3, nil)
	q.On("CanSaveMoreTracks", mock.Anything, int64(1), 1).Return(0, nil)

	v := NewValidator(q, newStores(), fakeLookup{"BY123456789012": true, "PC123456789BY": true})
	res, err := v.Validate(context.Background(), []models.UploadRow{
		{Number: "BY123456789012"},
		{Number: "PC999999999BY"},
		{Number: "PC123456789BY"},
	}, 1)
	require.NoError(t, err)
	require.Len(t, res.Valid, 3)
	require.True(t, res.Valid[0].CanSave)
	require.False(t, res.Valid[1].CanSave)
	require.True(t, res.Valid[2].CanSave)
	require.Contains(t, res.LimitMessage, "1 новых")
}

func TestValidate_InvalidRows(t *testing.T) {
	q := &quotaMock{}
	q.On("CanUploadTracks", mock.Anything, int64(1), 2).Return(10, nil)
	q.On("CanSaveMoreTracks", mock.Anything, int64(1), 2).Return(10, nil)

	v := NewValidator(q, newStores(), fakeLookup{})
	res, err := v.Validate(context.Background(), []models.UploadRow{
		{Number: "  "},
		{Number: "pc123456789by"},
		{Number: "PC123456789BY"},
		{Number: "garbage"},
	}, 1)
	require.NoError(t, err)

	require.Equal(t, []models.InvalidTrack{
		{Reason: models.InvalidEmptyNumber},
		{Number: "PC123456789BY", Reason: models.InvalidDuplicate},
	}, res.Invalid)
	require.Len(t, res.Valid, 2)
	require.Equal(t, models.CarrierBelpost, res.Valid[0].Carrier)
	require.Equal(t, models.CarrierUnknown, res.Valid[1].Carrier)
	require.Empty(t, res.LimitMessage)
}

func TestValidate_StoreResolution(t *testing.T) {
	q := &quotaMock{}
	q.On("CanUploadTracks", mock.Anything, int64(1), mock.Anything).Return(100, nil)
	q.On("CanSaveMoreTracks", mock.Anything, int64(1), mock.Anything).Return(100, nil)

	v := NewValidator(q, newStores(), fakeLookup{})
	res, err := v.Validate(context.Background(), []models.UploadRow{
		{Number: "PC100000001BY", Store: "11"},
		{Number: "PC100000002BY", Store: "Гродно"},
		{Number: "PC100000003BY", Store: "20"},
		{Number: "PC100000004BY", Store: "Nope"},
		{Number: "PC100000005BY", Store: "999"},
		{Number: "PC100000006BY"},
	}, 1)
	require.NoError(t, err)

	got := make([]int64, 0, len(res.Valid))
	for _, m := range res.Valid {
		got = append(got, m.StoreID)
	}
	require.Equal(t, []int64{11, 11, 10, 10, 10, 10}, got)
}

func TestValidate_PhoneIsNormalizedOrDropped(t *testing.T) {
	q := &quotaMock{}
	q.On("CanUploadTracks", mock.Anything, int64(1), 2).Return(2, nil)
	q.On("CanSaveMoreTracks", mock.Anything, int64(1), 2).Return(2, nil)

	v := NewValidator(q, newStores(), fakeLookup{})
	res, err := v.Validate(context.Background(), []models.UploadRow{
		{Number: "PC100000001BY", Phone: "8 (029) 123-45-67"},
		{Number: "PC100000002BY", Phone: "call me"},
	}, 1)
	require.NoError(t, err)
	require.Equal(t, "+375291234567", res.Valid[0].Phone)
	require.Empty(t, res.Valid[1].Phone)
}

func TestValidate_QuotaFailure(t *testing.T) {
	q := &quotaMock{}
	q.On("CanUploadTracks", mock.Anything, int64(1), 1).Return(0, errors.New("db down"))

	_, err := NewValidator(q, newStores(), fakeLookup{}).
		Validate(context.Background(), []models.UploadRow{{Number: "PC100000001BY"}}, 1)
	require.Error(t, err)
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+375 29 123 45 67": "+375291234567",
		"375291234567":      "+375291234567",
		"80291234567":       "+375291234567",
		"291234567":         "+375291234567",
		"12345":             "",
		"":                  "",
		"+7 999 123 45 67":  "",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizePhone(in), in)
	}
}
