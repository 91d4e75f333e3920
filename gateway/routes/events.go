package routes

import (
	"fmt"
	"net/http"
	"strconv"

	"stablefi/storage/archive"
)

const maxEventPage = 500

// EventLog serves archived protocol events.
type EventLog interface {
	List(q archive.Query) ([]archive.Record, error)
	Head() (uint64, string)
}

type eventView struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Digest     string            `json:"digest"`
	Time       string            `json:"time"`
}

type eventsResponse struct {
	Head   uint64      `json:"head"`
	Digest string      `json:"digest"`
	Events []eventView `json:"events"`
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.fail(w, r, errDisabled)
		return
	}
	query := r.URL.Query()
	q := archive.Query{Type: query.Get("type"), Limit: 100}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: after: %v", errBadRequest, err))
			return
		}
		q.AfterSeq = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxEventPage {
			h.fail(w, r, fmt.Errorf("%w: limit must be 1..%d", errBadRequest, maxEventPage))
			return
		}
		q.Limit = limit
	}
	records, err := h.events.List(q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]eventView, 0, len(records))
	for _, rec := range records {
		evt, err := rec.Event()
		if err != nil {
			h.fail(w, r, err)
			return
		}
		views = append(views, eventView{
			Seq:        rec.Seq,
			Type:       rec.Type,
			Attributes: evt.Attributes,
			Digest:     rec.Digest,
			Time:       formatTime(rec.Time()),
		})
	}
	head, digest := h.events.Head()
	writeJSON(w, http.StatusOK, eventsResponse{Head: head, Digest: digest, Events: views})
}
