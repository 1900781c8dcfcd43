package api

import (
	"context"
	"fmt"

	"github.com/irisync/irisync/internal/record"
)

// Validator decides whether a submitted training image is fit for the
// training set. Implementations may inspect the image itself; the default
// only checks the label.
type Validator interface {
	Validate(ctx context.Context, imageURI string, disease record.Disease) (record.Validation, error)
}

// LabelValidator accepts any image whose label belongs to the closed disease
// set. It stands in until a real image-quality checker is wired.
type LabelValidator struct{}

func (LabelValidator) Validate(_ context.Context, _ string, disease record.Disease) (record.Validation, error) {
	if !disease.Valid() {
		return record.Validation{
			Valid:  false,
			Reason: fmt.Sprintf("unknown disease label %q", disease),
		}, nil
	}
	return record.Validation{
		Valid:  true,
		Reason: fmt.Sprintf("accepted for %s training set", disease),
	}, nil
}
