package turn

import (
	"context"
	"errors"
	"strconv"

	"github.com/ent0n29/voxgate/internal/reliability"
)

// errorCode gives provider failures a low-cardinality metric label.
func errorCode(err error) string {
	var se *reliability.StatusError
	switch {
	case errors.As(err, &se):
		return strconv.Itoa(se.Code)
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
