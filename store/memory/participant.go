package memory

import (
	"context"

	"github.com/glimte/mmate-bus/store"
)

// enlist returns the unit of work carried by ctx after registering p with it
func enlist(ctx context.Context, p store.Participant) (*store.UnitOfWork, error) {
	uow := store.FromContext(ctx)
	if uow == nil {
		return nil, nil
	}
	if err := uow.Enlist(p); err != nil {
		return nil, err
	}
	return uow, nil
}
