package enumerate

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

var (
	// ErrPrecondition matches every input validation failure raised before a store write.
	ErrPrecondition = errors.New("enumerate: precondition failed")
	// ErrInvalidTemplate is returned for malformed templates, adsorbates or site indices.
	ErrInvalidTemplate = errors.New("enumerate: invalid template")
)

// AdsorbatesNotTaggedError: the template has no adsorbate-tagged site.
type AdsorbatesNotTaggedError struct{}

func (AdsorbatesNotTaggedError) Error() string {
	return "enumerate: the adsorbate sites of the template must be tagged adsorbate (2)"
}

func (AdsorbatesNotTaggedError) Is(target error) bool { return target == ErrPrecondition }

// SurfaceNotTaggedError: the template has no surface-tagged site.
type SurfaceNotTaggedError struct{}

func (SurfaceNotTaggedError) Error() string {
	return "enumerate: the top-layer sites of the template must be tagged surface (1)"
}

func (SurfaceNotTaggedError) Is(target error) bool { return target == ErrPrecondition }

// BulkTagError: the template has no bulk-tagged site.
type BulkTagError struct{}

func (BulkTagError) Error() string {
	return "enumerate: the bulk sites of the template must be tagged bulk (0)"
}

func (BulkTagError) Is(target error) bool { return target == ErrPrecondition }

// TagValueError: a site carries a tag outside {bulk, surface, adsorbate}.
type TagValueError struct {
	Index int
	Tag   types.Tag
}

func (e TagValueError) Error() string {
	return fmt.Sprintf("enumerate: site %d has tag %d, want 0 (bulk), 1 (surface) or 2 (adsorbate)", e.Index, int(e.Tag))
}

func (TagValueError) Is(target error) bool { return target == ErrPrecondition }

// TooManyAdsorbatesError: more adsorbate types than placeholder species.
type TooManyAdsorbatesError struct {
	Count    int
	Capacity int
}

func (e TooManyAdsorbatesError) Error() string {
	return fmt.Sprintf("enumerate: %d adsorbate types exceed the placeholder capacity %d", e.Count, e.Capacity)
}

func (TooManyAdsorbatesError) Is(target error) bool { return target == ErrPrecondition }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrPrecondition, ErrInvalidTemplate, fmt.Sprintf(format, args...))
}
