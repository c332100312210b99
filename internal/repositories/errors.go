package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	agent, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update loses a uniqueness or
// state race: creating an agent for a server that already has one, consuming
// a registration code that was already spent, or setting a pending token
// while a rotation is already in flight.
var ErrConflict = errors.New("record already exists or state conflict")
