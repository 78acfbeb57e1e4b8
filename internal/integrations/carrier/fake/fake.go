package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/BearBump/parceltrack/internal/models"
)

// Gateway: заглушка перевозчика для локального запуска без доступа к API.
// История детерминирована по номеру трека: часть треков доставлена, часть ждёт
// клиента, по части данных нет.
type Gateway struct {
	now func() time.Time
}

func New() *Gateway { return &Gateway{now: time.Now} }

var scripts = [][]string{
	{"Вручено адресату", "Прибыло для выдачи", "Поступило в сортировочный центр", "Принято от отправителя"},
	{"Прибыло для выдачи", "Поступило в сортировочный центр", "Принято от отправителя"},
	{"Поступило в сортировочный центр", "Принято от отправителя"},
	{"Выдано отправителю", "Поступило для возврата", "Истек срок хранения", "Прибыло для выдачи", "Принято от отправителя"},
	nil,
}

func (g *Gateway) FetchHistory(_ context.Context, number string) (models.History, error) {
	return g.history(number), nil
}

func (g *Gateway) FetchHistoryBatch(_ context.Context, numbers []string) (map[string]models.History, error) {
	out := make(map[string]models.History, len(numbers))
	for _, n := range numbers {
		if h := g.history(n); len(h) > 0 {
			out[n] = h
		}
	}
	return out, nil
}

func (g *Gateway) history(number string) models.History {
	h := fnv.New32a()
	_, _ = h.Write([]byte(number))
	script := scripts[h.Sum32()%uint32(len(scripts))]
	if len(script) == 0 {
		return nil
	}

	newest := g.now().UTC().Truncate(time.Hour)
	out := make(models.History, len(script))
	for i, text := range script {
		out[i] = models.StatusEvent{
			Timestamp:   newest.Add(-time.Duration(i) * 24 * time.Hour),
			Description: text,
		}
	}
	return out
}
