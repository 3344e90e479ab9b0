package validation

// VerifyRequest is the payload for POST /google/verify.
type VerifyRequest struct {
	UserID        string `json:"user_id" validate:"required,max=128"`         // caller's account id
	PurchaseToken string `json:"purchase_token" validate:"required,max=4096"` // raw provider token
	PackageName   string `json:"package_name,omitempty" validate:"omitempty,android_package"`
	ProductID     string `json:"product_id,omitempty" validate:"omitempty,max=256"`
}
