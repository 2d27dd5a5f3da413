package dto

import "github.com/makkenzo/activation-platform/internal/domain/activation"

const (
	ProductHardwareBound = "hardware_bound"
	ProductSoftware      = "software"
)

// UnifiedActivationRequest routes to hardware binding or plain redemption by product type.
type UnifiedActivationRequest struct {
	Code        string         `json:"activation_code" binding:"required"`
	ProductType string         `json:"product_type" binding:"omitempty,oneof=hardware_bound software"`
	Fingerprint string         `json:"hardware_fingerprint" binding:"omitempty,len=64,hexadecimal"`
	UserID      string         `json:"user_id"`
	DeviceInfo  map[string]any `json:"device_info"`
}

func (r *UnifiedActivationRequest) HardwareBound() bool {
	return r.ProductType == ProductHardwareBound
}

type UnifiedActivationResponse struct {
	Success        bool                `json:"success"`
	Reason         string              `json:"reason,omitempty"`
	Message        string              `json:"message"`
	ActivationType string              `json:"activation_type"`
	Remaining      *int                `json:"remaining_activations,omitempty"`
	Binding        *activation.Binding `json:"binding_info,omitempty"`
	Record         *activation.Record  `json:"activation_record,omitempty"`
	ActivationCode string              `json:"activation_code,omitempty"`
}
