// Package status classifies free-text carrier status history into canonical
// lifecycle states.
//
// Rules are evaluated top to bottom and the first match wins. Several carrier
// phrasings are substrings of one another ("выдано" / "выдано отправителю",
// "прибыло в отделение" / "прибыло для возврата"), so the order is part of the
// contract:
//
//  1. terminal and priority texts (issue cancelled, delivered, returned,
//     registration, not collected);
//  2. explicit return flow texts that need no history;
//  3. ambiguous texts resolved by scanning the whole history for a return trigger;
//  4. residual "waiting for customer" texts;
//  5. residual "in transit" texts.
//
// Anything else is StatusUnknown.
package status

import (
	"regexp"
	"strings"
	"time"

	"github.com/BearBump/parceltrack/internal/models"
)

var (
	nbspReplacer     = strings.NewReplacer("\u00a0", " ", "\u202f", " ", "\u2007", " ")
	spacesRe         = regexp.MustCompile(`\s+`)
	trailingParenRe  = regexp.MustCompile(`\s*\([^()]*\)\s*$`)
	trailingPunctRe  = regexp.MustCompile(`[\s.…,;:!]+$`)
	returnTriggersRe = regexp.MustCompile(`возвра[тщ]|отправителю`)
)

// Normalize collapses non-breaking and repeated whitespace and strips trailing
// parenthetical remarks and punctuation until the text is stable.
func Normalize(text string) string {
	s := nbspReplacer.Replace(text)
	s = strings.TrimSpace(spacesRe.ReplaceAllString(s, " "))
	for {
		next := trailingParenRe.ReplaceAllString(s, "")
		next = trailingPunctRe.ReplaceAllString(next, "")
		next = strings.TrimSpace(next)
		if next == s {
			return s
		}
		s = next
	}
}

// matchKey is the form rules are matched against.
func matchKey(text string) string {
	return strings.ReplaceAll(strings.ToLower(Normalize(text)), "ё", "е")
}

type rule struct {
	name string
	re   *regexp.Regexp
	// not vetoes a match of re.
	not *regexp.Regexp
	// status is returned on match; for history-aware rules it applies only when
	// a return trigger is found, otherwise fallback is returned.
	status       models.GlobalStatus
	historyAware bool
	fallback     models.GlobalStatus
}

func (r rule) matches(key string) bool {
	if !r.re.MatchString(key) {
		return false
	}
	return r.not == nil || !r.not.MatchString(key)
}

func terminal(name, expr string, st models.GlobalStatus) rule {
	return rule{name: name, re: regexp.MustCompile(expr), status: st}
}

func ambiguous(name, expr string, onReturn, otherwise models.GlobalStatus) rule {
	return rule{name: name, re: regexp.MustCompile(expr), status: onReturn, historyAware: true, fallback: otherwise}
}

var defaultRules = []rule{
	// terminal / priority
	terminal("issue-cancelled", `^отмена выдачи`, models.StatusWaitingForCustomer),
	{
		name:   "delivered",
		re:     regexp.MustCompile(`(^|\s)(выдано|выдана|вручено|вручена)(\s|$)`),
		not:    regexp.MustCompile(`(^|\s)не\s+(выдан|вручен)|отправителю`),
		status: models.StatusDelivered,
	},
	{
		name:   "returned",
		re:     regexp.MustCompile(`(выдано|выдана|вручено|вручена|возвращено|возвращена)\s+отправителю`),
		not:    regexp.MustCompile(`(^|\s)не\s+(выдан|вручен|возвращен)`),
		status: models.StatusReturned,
	},
	terminal("registered", `^((почтовое )?отправление |заявка( на отправку)? )?(зарегистрирован[оа]?|регистрация подтверждена)`, models.StatusRegistered),
	terminal("registration-cancelled", `(отменен[оа]?|аннулирован[оа]?)\s+(по истечении|по истечению|в связи с истечением)\s+срока`, models.StatusRegistrationCancelled),
	terminal("not-collected", `(^|\s)не\s+(востребовано|востребована|получено|получена|забрано|забрана|выкуплено|вручено|вручена|выдано|выдана)|истек\s+срок\s+хранения|неявка\s+(адресата|получателя)|отказ\s+(адресата|получателя)\s+от\s+получения`, models.StatusCustomerNotPickingUp),

	// explicit return flow
	terminal("prepared-for-return", `(готово|подготовлено|подготовлена)\s+(к|для)\s+возврат`, models.StatusReturnInProgress),
	terminal("arrived-for-return", `(прибыло|поступило)\s+для\s+возврата|ожидает\s+(выдачи|вручения|передачи)\s+(для\s+возврата|отправителю)`, models.StatusReturnPendingPickup),

	// ambiguous, need the whole history
	ambiguous("awaiting-at-branch", `ожидает\s+(выдачи|вручения|передачи)\s+(в|на)\s+(отделении|пункте|опс)|(прибыло|поступило)\s+в\s+(отделение|опс|пункт выдачи)\s*(№|n|#)?\s*\d+`,
		models.StatusReturnPendingPickup, models.StatusWaitingForCustomer),
	ambiguous("sorting-center", `(сортировочн|сортировальн|логистическ|распределительн)\S*\s+(центр|пункт|участок)|участок\s+сортировки|обработано\s+в\s+(сц|сортировочном)`,
		models.StatusReturnInProgress, models.StatusInTransit),

	// residual waiting
	terminal("waiting", `(прибыло|поступило)\s+(для|к)\s+(выдачи|вручения)|истекает\s+срок\s+(бесплатного\s+)?хранения|(прибыло|поступило)\s+в\s+учреждение\s+доставки|готово\s+к\s+выдаче`, models.StatusWaitingForCustomer),

	// residual transit
	terminal("in-transit", `(принято|оплачено)\s+(в|на)\s+(почтовом\s+отделении|отделении|почте|опс)|(принято|получено)\s+от\s+отправителя|(принято|поступило)\s+(в|на|для)\s+обработк|отправлено|передано\s+(в|для)\s+(доставк|перевозк)|в\s+пути`, models.StatusInTransit),
}

type Resolver struct {
	rules []rule
}

func New() *Resolver {
	return &Resolver{rules: defaultRules}
}

var std = New()

// Resolve classifies history with the default rule set.
func Resolve(history models.History) models.GlobalStatus {
	return std.Resolve(history)
}

// Resolve maps a newest-first history to one canonical status.
func (r *Resolver) Resolve(history models.History) models.GlobalStatus {
	st, _ := r.resolve(history)
	return st
}

// RuleName reports which rule classified history; "" when none matched.
func (r *Resolver) RuleName(history models.History) string {
	_, name := r.resolve(history)
	return name
}

func (r *Resolver) resolve(history models.History) (models.GlobalStatus, string) {
	newest, ok := history.Newest()
	if !ok {
		return models.StatusUnknown, ""
	}
	key := matchKey(newest.Description)
	if key == "" {
		return models.StatusUnknown, ""
	}

	// Scanned at most once per call.
	var scanned, triggered bool
	hasReturnTrigger := func() bool {
		if !scanned {
			scanned = true
			triggered = historyHasReturnTrigger(history)
		}
		return triggered
	}

	for _, rl := range r.rules {
		if !rl.matches(key) {
			continue
		}
		if !rl.historyAware {
			return rl.status, rl.name
		}
		if hasReturnTrigger() {
			return rl.status, rl.name
		}
		return rl.fallback, rl.name
	}
	return models.StatusUnknown, ""
}

func historyHasReturnTrigger(history models.History) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if returnTriggersRe.MatchString(matchKey(history[i].Description)) {
			return true
		}
	}
	return false
}

// ArrivalTime returns when the parcel started waiting for the customer: the
// oldest event of the newest uninterrupted run of waiting states that precedes
// the newest event.
func (r *Resolver) ArrivalTime(history models.History) (time.Time, bool) {
	start := -1
	for i := 1; i < len(history); i++ {
		st := r.Resolve(history[i:])
		if st == models.StatusWaitingForCustomer {
			start = i
			continue
		}
		if start != -1 {
			break
		}
	}
	if start == -1 {
		return time.Time{}, false
	}
	return history[start].Timestamp, true
}

func ArrivalTime(history models.History) (time.Time, bool) {
	return std.ArrivalTime(history)
}
