//go:build !linux

package crash

import (
	"errors"

	"github.com/retrace-project/retrace/pkg/config"
	"github.com/retrace-project/retrace/pkg/memory"
)

// ErrUnsupported is returned where out-of-process crash capture is not
// implemented.
var ErrUnsupported = errors.New("crash capture is not supported on this platform")

// Handler is a no-op on platforms without out-of-process capture.
type Handler struct{}

func Install() (*Handler, error) { return nil, ErrUnsupported }

func InstallWithSettings(config.Settings) (*Handler, error) { return nil, ErrUnsupported }

func (h *Handler) RecordFault(int64, uint64, memory.Address, *Context) memory.Address { return 0 }

func (h *Handler) Close() {}
