package dto

type BindRequest struct {
	Code        string         `json:"code" binding:"required"`
	Fingerprint string         `json:"hardware_fingerprint" binding:"required,len=64,hexadecimal"`
	UserID      string         `json:"user_id"`
	DeviceInfo  map[string]any `json:"device_info"`
}

type VerifyBindingRequest struct {
	Code        string `json:"code" binding:"required"`
	Fingerprint string `json:"hardware_fingerprint" binding:"required,len=64,hexadecimal"`
}

type UnbindRequest struct {
	Code     string `json:"code" binding:"required"`
	AdminKey string `json:"admin_key" binding:"required"`
}
