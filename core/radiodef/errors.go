package radiodef

import (
	"errors"
	"fmt"
)

// ErrRegionNotFound is returned by Definition.RegionFor for unknown names.
var ErrRegionNotFound = errors.New("region not found")

// LayoutError reports an invalid radio definition: a malformed protocol
// section or a region table that is unsorted, overlapping, or does not cover
// the declared codeplug size exactly. It is fatal at load time.
type LayoutError struct {
	Region string // offending region, empty for definition-level faults
	Reason string
}

func (e *LayoutError) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("invalid radio definition: %s", e.Reason)
	}
	return fmt.Sprintf("invalid radio definition: region %q: %s", e.Region, e.Reason)
}
