package trialmatch

import (
	"context"
)

type MatchRepository interface {
	// ReplaceForPatient swaps the patient's stored matches for records in a
	// single transaction.
	ReplaceForPatient(ctx context.Context, patientID string, records []*MatchRecord) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*MatchRecord, int, error)
	DeleteByPatient(ctx context.Context, patientID string) error
}
