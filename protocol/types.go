package protocol

// Message types published by the device.
const (
	TypeDeviceStatus = "device.status"
)

// Roles for Address.Role.
const (
	RoleDevice = "device"
)

// Protocol version.
const Version = 1
