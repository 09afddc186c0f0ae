package pipeline

import "github.com/datadict/dictpipe/internal/entity"

// ProgressEvent is published as the controller advances. Consumers (CLI,
// service, UI) subscribe via Events and pick their own concurrency model;
// the controller never blocks on a slow or absent listener.
type ProgressEvent struct {
	JobID     string       `json:"job_id"`
	Stage     entity.Stage `json:"stage"`
	Item      string       `json:"item,omitempty"`
	Processed int          `json:"processed"`
	Total     int          `json:"total"`
}

// Events returns the progress event stream for this controller.
func (c *Controller) Events() <-chan ProgressEvent {
	return c.events
}

// publish drops the event when nobody is draining the channel.
func (c *Controller) publish(ev ProgressEvent) {
	select {
	case c.events <- ev:
	default:
	}
}
