package models

// GlobalStatus is the canonical lifecycle state a carrier status text resolves to.
type GlobalStatus string

const (
	StatusDelivered             GlobalStatus = "DELIVERED"
	StatusWaitingForCustomer    GlobalStatus = "WAITING_FOR_CUSTOMER"
	StatusInTransit             GlobalStatus = "IN_TRANSIT"
	StatusCustomerNotPickingUp  GlobalStatus = "CUSTOMER_NOT_PICKING_UP"
	StatusReturnInProgress      GlobalStatus = "RETURN_IN_PROGRESS"
	StatusReturnPendingPickup   GlobalStatus = "RETURN_PENDING_PICKUP"
	StatusReturned              GlobalStatus = "RETURNED"
	StatusRegistered            GlobalStatus = "REGISTERED"
	StatusRegistrationCancelled GlobalStatus = "REGISTRATION_CANCELLED"
	StatusUnknown               GlobalStatus = "UNKNOWN_STATUS"
)

var statusDescriptions = map[GlobalStatus]string{
	StatusDelivered:             "Вручена",
	StatusWaitingForCustomer:    "Ожидает клиента",
	StatusInTransit:             "В пути",
	StatusCustomerNotPickingUp:  "Клиент не забирает посылку",
	StatusReturnInProgress:      "Возврат в пути",
	StatusReturnPendingPickup:   "Возврат ожидает забора",
	StatusReturned:              "Возврат забран",
	StatusRegistered:            "Заявка зарегистрирована",
	StatusRegistrationCancelled: "Регистрация отменена",
	StatusUnknown:               "Неизвестный статус",
}

// IsFinal reports whether no further automatic updates happen after s.
func (s GlobalStatus) IsFinal() bool {
	return s == StatusDelivered || s == StatusReturned
}

// Description is the human-readable label shown to store owners.
func (s GlobalStatus) Description() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return statusDescriptions[StatusUnknown]
}

func (s GlobalStatus) Valid() bool {
	_, ok := statusDescriptions[s]
	return ok
}
