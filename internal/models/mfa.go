package models

// TwoFactorEnrollment is returned once when TOTP setup begins. The secret and
// backup codes are never shown again.
type TwoFactorEnrollment struct {
	Secret        string   `json:"secret"`
	QRCodeDataURL string   `json:"qr_code"`
	BackupCodes   []string `json:"backup_codes"`
}

// BackupCodeCount is the number of backup codes issued per enrollment.
const BackupCodeCount = 10
