package models

// CarrierType identifies the postal service a track number belongs to.
type CarrierType string

const (
	CarrierBelpost  CarrierType = "BELPOST"
	CarrierEvropost CarrierType = "EVROPOST"
	CarrierUnknown  CarrierType = "UNKNOWN"
)

// KnownCarriers lists the carriers with a concrete gateway, in dispatch order.
var KnownCarriers = []CarrierType{CarrierBelpost, CarrierEvropost}
