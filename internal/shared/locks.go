package shared

import "fmt"

// CertificateLockKey builds the redis key guarding certificate issuance for a booking.
func CertificateLockKey(bookingID int64) string {
	return fmt.Sprintf("certificate:booking:%d:lock", bookingID)
}

// PurchaseDedupeKey builds the commission dedupe key for a booking purchase event.
func PurchaseDedupeKey(bookingID int64) string {
	return fmt.Sprintf("booking:%d", bookingID)
}
