//go:build integration

package integration

import (
	"fmt"
	"time"
)

// TestAccount generates unique admin credentials using a timestamp
func TestAccount(suffix string) (email, password string) {
	email = fmt.Sprintf("admin-%d-%s@example.com", time.Now().UnixNano(), suffix)
	password = "Correct-Horse-Battery-9"
	return
}
