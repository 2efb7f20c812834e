package sqlcgen

import "time"

// Machine is one biometric terminal profile.
type Machine struct {
	ID              int32
	MachineNumber   int32
	Alias           string
	IP              string
	Port            int32
	ConnectType     string
	Enabled         bool
	SerialNumber    *string
	FirmwareVersion *string
	CommKey         int32
}

type UserInfo struct {
	UserID      int32
	BadgeNumber string
	Name        string
	Department  *string
	Status      int32
}

type CheckInOut struct {
	ID         int64
	UserID     int32
	CheckTime  string
	CheckType  string
	VerifyCode int32
	SensorID   string
	MemoInfo   *string
	WorkCode   int32
	SN         *string
	UserExtFmt *string
	CreatedAt  time.Time
}

// CheckInOutWithUser is a stored punch joined with the owning user's name.
type CheckInOutWithUser struct {
	CheckInOut
	BadgeNumber string
	Name        string
}
