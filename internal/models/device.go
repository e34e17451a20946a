package models

// DeviceToken is a push token registered by a client for a user.
type DeviceToken struct {
	BaseModel

	UserID   string `json:"userId" gorm:"not null;size:128;index"`
	Token    string `json:"token" gorm:"not null;size:255;uniqueIndex"`
	Platform string `json:"platform" gorm:"size:20;default:'ios'"`
}
