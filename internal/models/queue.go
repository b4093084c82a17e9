package models

import "time"

type Queue struct {
	QueueID                   int64     `json:"queue_id"`
	Name                      string    `json:"name"`
	Description               string    `json:"description,omitempty"`
	AverageServiceTimeMinutes int       `json:"average_service_time_minutes"`
	MaxWaitMinutes            int       `json:"max_wait_minutes"`
	IsOpen                    bool      `json:"is_open"`
	CreatedAt                 time.Time `json:"created_at"`
	OwnerID                   string    `json:"owner_id"`
	LocationID                int64     `json:"location_id"`
}

type ServiceLocation struct {
	LocationID  int64     `json:"location_id"`
	Name        string    `json:"name"`
	Address     string    `json:"address,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	QueueNameMaxLength        = 120
	QueueDescriptionMaxLength = 500
	AverageServiceTimeMin     = 1
	AverageServiceTimeMax     = 240
	MaxWaitMinutesMin         = 0
	MaxWaitMinutesMax         = 1440
	ClientNameMaxLength       = 100
	LocationNameMaxLength     = 150
	LocationAddressMaxLength  = 300
	LocationPhoneMaxLength    = 50
)
