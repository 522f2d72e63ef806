//go:build gstreamer

package localnode

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
)

// gstDriver renders through a GStreamer pipeline template. The
// template may reference {url}, {device}, {start_ms} and {volume}.
type gstDriver struct {
	mu       sync.Mutex
	template string
	device   string
	volume   float64
	current  *gst.Element
}

var gstInitOnce sync.Once

// NewDriver creates a GStreamer-backed driver.
func NewDriver(pipeline string, device string) (Driver, error) {
	if strings.TrimSpace(pipeline) == "" {
		return nil, errors.New("pipeline template required")
	}
	gstInitOnce.Do(func() {
		gst.Init(nil)
	})
	return &gstDriver{template: pipeline, device: device, volume: 1.0}, nil
}

func (d *gstDriver) Play(uri string, positionMS int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pipeline := d.template
	pipeline = strings.ReplaceAll(pipeline, "{url}", uri)
	pipeline = strings.ReplaceAll(pipeline, "{device}", d.device)
	pipeline = strings.ReplaceAll(pipeline, "{start_ms}", fmt.Sprintf("%d", positionMS))
	pipeline = strings.ReplaceAll(pipeline, "{volume}", fmt.Sprintf("%0.2f", d.volume))

	el, err := gst.ParseLaunch(pipeline)
	if err != nil {
		return err
	}
	if err := el.SetState(gst.StatePlaying); err != nil {
		return err
	}

	d.stopCurrentLocked()
	d.current = el
	return nil
}

func (d *gstDriver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current == nil {
		return nil
	}
	return d.current.SetState(gst.StatePaused)
}

func (d *gstDriver) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current == nil {
		return errors.New("not playing")
	}
	return d.current.SetState(gst.StatePlaying)
}

func (d *gstDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopCurrentLocked()
	return nil
}

func (d *gstDriver) Seek(positionMS int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current == nil {
		return errors.New("not playing")
	}
	positionNS := positionMS * int64(time.Millisecond)
	return d.current.SeekSimple(gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit, positionNS)
}

func (d *gstDriver) SetVolume(volume float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.volume = volume
	if d.current != nil {
		_ = d.current.SetProperty("volume", volume)
	}
	return nil
}

func (d *gstDriver) stopCurrentLocked() {
	if d.current == nil {
		return
	}
	_ = d.current.SetState(gst.StateNull)
	d.current = nil
}
