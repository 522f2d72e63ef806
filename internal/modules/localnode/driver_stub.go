//go:build !gstreamer

package localnode

import "errors"

// NewDriver requires the gstreamer build tag; without it only the
// silent driver is available.
func NewDriver(pipeline string, device string) (Driver, error) {
	return nil, errors.New("gstreamer build tag not enabled")
}
