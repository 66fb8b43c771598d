package models

import "github.com/google/uuid"

// ensureID assigns a fresh UUID when the caller left the primary key empty.
// Rows are keyed in application code so sqlite and Postgres behave alike.
func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}
