package models

import "time"

// LocationSample is one device position fix. Samples are ephemeral: each new
// sample supersedes the previous one and only the latest value is retained
// client-side (last-value-wins; the server's history may have gaps).
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Heading    *float64  `json:"heading,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LocationRequest is the device upload carrying one position fix.
type LocationRequest struct {
	Latitude   float64   `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude  float64   `json:"longitude" validate:"required,gte=-180,lte=180"`
	Accuracy   float64   `json:"accuracy" validate:"gte=0"`
	Heading    *float64  `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Speed      *float64  `json:"speed,omitempty" validate:"omitempty,gte=0"`
	RecordedAt time.Time `json:"recorded_at"`
}

// DeliveryWindow describes the next date orders can be delivered and the
// deadline for editing an order bound for that date.
type DeliveryWindow struct {
	DeliveryDate time.Time `json:"delivery_date"`
	EditCutoff   time.Time `json:"edit_cutoff"`
}
