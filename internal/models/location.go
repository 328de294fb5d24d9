package models

// SensorLocation 传感器安装位置（来自 durable store）
type SensorLocation struct {
	SensorID string  `json:"sensor_id" db:"sensor_id"`
	HouseID  string  `json:"house_id" db:"house_id"`
	TenantID string  `json:"tenant_id" db:"tenant_id"`
	Lat      float64 `json:"lat" db:"lat"`
	Lng      float64 `json:"lng" db:"lng"`
}
