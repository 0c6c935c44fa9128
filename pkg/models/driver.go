package models

type DriverStatus string

const (
	DriverAvailable  DriverStatus = "AVAILABLE"
	DriverOnDelivery DriverStatus = "ON_DELIVERY"
	DriverOnBreak    DriverStatus = "ON_BREAK"
	DriverOffline    DriverStatus = "OFFLINE"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case DriverAvailable, DriverOnDelivery, DriverOnBreak, DriverOffline:
		return true
	}
	return false
}

type DriverProfile struct {
	DriverID            int64        `json:"driverId"`
	Name                string       `json:"name"`
	Phone               string       `json:"phone,omitempty"`
	VehicleNumber       string       `json:"vehicleNumber,omitempty"`
	VehicleType         string       `json:"vehicleType,omitempty"`
	Status              DriverStatus `json:"status"`
	RdcID               *int64       `json:"rdcId,omitempty"`
	TotalDeliveries     int          `json:"totalDeliveries"`
	CompletedDeliveries int          `json:"completedDeliveries"`
	ActiveDeliveries    int          `json:"activeDeliveries"`
}
