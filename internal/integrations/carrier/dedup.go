package carrier

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/BearBump/parceltrack/internal/models"
)

// DedupGateway lets concurrent lookups of the same number share one outbound call.
type DedupGateway struct {
	next  Gateway
	group singleflight.Group
}

func NewDedupGateway(next Gateway) *DedupGateway {
	return &DedupGateway{next: next}
}

func (d *DedupGateway) FetchHistory(ctx context.Context, number string) (models.History, error) {
	v, err, _ := d.group.Do(number, func() (any, error) {
		return d.next.FetchHistory(ctx, number)
	})
	if err != nil {
		return nil, err
	}
	h, _ := v.(models.History)
	// callers must not share the backing array
	return append(models.History(nil), h...), nil
}
